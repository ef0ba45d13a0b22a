package export

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/autoclip/autoclip-worker/log"
	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/launcher"
	"github.com/go-rod/rod/lib/proto"
)

// SharedBrowser owns the process-wide headless browser. Launching is lazy
// and deduplicated: jobs arriving while a launch is in flight all await the
// same slot. When the browser drops off, the slot is cleared so the next job
// re-launches. Pages and incognito contexts are always per-job.
type SharedBrowser struct {
	mu      sync.Mutex
	current *browserSlot
}

type browserSlot struct {
	ready   chan struct{}
	browser *rod.Browser
	err     error
}

const browserHealthInterval = 15 * time.Second

func NewSharedBrowser() *SharedBrowser {
	return &SharedBrowser{}
}

// Get returns the shared browser, launching it if needed.
func (s *SharedBrowser) Get(ctx context.Context) (*rod.Browser, error) {
	s.mu.Lock()
	slot := s.current
	if slot == nil {
		slot = &browserSlot{ready: make(chan struct{})}
		s.current = slot
		go s.launch(slot)
	}
	s.mu.Unlock()

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-slot.ready:
	}
	if slot.err != nil {
		s.clear(slot)
		return nil, slot.err
	}
	return slot.browser, nil
}

func (s *SharedBrowser) launch(slot *browserSlot) {
	defer close(slot.ready)

	// container-friendly flags: chromium's sandbox and /dev/shm both
	// misbehave under default docker limits
	controlURL, err := launcher.New().
		NoSandbox(true).
		Headless(true).
		Set("disable-dev-shm-usage").
		Set("disable-gpu").
		Launch()
	if err != nil {
		slot.err = fmt.Errorf("failed to launch browser: %w", err)
		return
	}

	browser := rod.New().ControlURL(controlURL)
	if err := browser.Connect(); err != nil {
		slot.err = fmt.Errorf("failed to connect to browser: %w", err)
		return
	}
	slot.browser = browser
	log.LogNoRequestID("shared export browser launched")

	go s.watch(slot)
}

// watch pings the browser and clears the slot on the first failure so the
// next export re-launches instead of inheriting a dead connection.
func (s *SharedBrowser) watch(slot *browserSlot) {
	for {
		time.Sleep(browserHealthInterval)
		if _, err := (proto.BrowserGetVersion{}).Call(slot.browser); err != nil {
			log.LogNoRequestID("shared export browser disconnected", "err", err.Error())
			s.clear(slot)
			return
		}
	}
}

// clear removes slot if it is still the active one.
func (s *SharedBrowser) clear(slot *browserSlot) {
	s.mu.Lock()
	if s.current == slot {
		s.current = nil
	}
	s.mu.Unlock()
}

// Close tears down the current browser, if any. Used on shutdown.
func (s *SharedBrowser) Close() {
	s.mu.Lock()
	slot := s.current
	s.current = nil
	s.mu.Unlock()
	if slot == nil {
		return
	}
	select {
	case <-slot.ready:
		if slot.browser != nil {
			_ = slot.browser.Close()
		}
	default:
	}
}
