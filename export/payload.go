// Package export drives a headless browser as a deterministic timeline
// renderer, captures its frames into an external encoder, mixes the
// timeline's audio graph and publishes the muxed result.
package export

import (
	"encoding/json"
	"fmt"
	"math"
)

type Dimensions struct {
	Width  int `json:"width"`
	Height int `json:"height"`
}

// Payload is the editor-export request body. State is kept raw: it is handed
// to the renderer untouched and only parsed here for the audio mix.
type Payload struct {
	State       json.RawMessage `json:"state"`
	Output      Dimensions      `json:"output"`
	Preview     *Dimensions     `json:"preview,omitempty"`
	FPS         float64         `json:"fps,omitempty"`
	Duration    float64         `json:"duration"`
	Fonts       json.RawMessage `json:"fonts,omitempty"`
	Name        string          `json:"name,omitempty"`
	RequestedBy string          `json:"requestedBy,omitempty"`
	RenderURL   string          `json:"renderUrl,omitempty"`
}

// Validate rejects payloads that cannot produce a render. Optional fields
// have defaults; these three do not.
func (p *Payload) Validate() error {
	if len(p.State) == 0 || string(p.State) == "null" {
		return fmt.Errorf("missing required field: state")
	}
	if p.Output.Width <= 0 || p.Output.Height <= 0 {
		return fmt.Errorf("missing required field: output")
	}
	if p.Duration <= 0 || math.IsNaN(p.Duration) || math.IsInf(p.Duration, 0) {
		return fmt.Errorf("missing required field: duration")
	}
	return nil
}

type AssetKind string

const (
	AssetVideo AssetKind = "video"
	AssetAudio AssetKind = "audio"
	AssetImage AssetKind = "image"
)

type Asset struct {
	ID   string    `json:"id"`
	Kind AssetKind `json:"kind"`
	URL  string    `json:"url"`
}

type Clip struct {
	ID          string  `json:"id"`
	AssetID     string  `json:"assetId"`
	StartTime   float64 `json:"startTime"`
	StartOffset float64 `json:"startOffset"`
	Duration    float64 `json:"duration"`
}

type ClipSettings struct {
	Muted       bool     `json:"muted"`
	Volume      *float64 `json:"volume,omitempty"`
	Speed       *float64 `json:"speed,omitempty"`
	FadeEnabled bool     `json:"fadeEnabled"`
	FadeIn      float64  `json:"fadeIn"`
	FadeOut     float64  `json:"fadeOut"`
}

// TimelineSnapshot is the slice of the editor state the audio mix consumes:
// assets tagged by kind, clips referencing them by id, and a per-clip
// settings table.
type TimelineSnapshot struct {
	Assets       []Asset                 `json:"assets"`
	Clips        []Clip                  `json:"clips"`
	ClipSettings map[string]ClipSettings `json:"clipSettings"`
}

// ParseTimeline extracts the timeline snapshot from the raw editor state.
// The state carries far more than this; unknown fields are ignored.
func ParseTimeline(state json.RawMessage) (*TimelineSnapshot, error) {
	var tl TimelineSnapshot
	if err := json.Unmarshal(state, &tl); err != nil {
		return nil, fmt.Errorf("failed to parse timeline from editor state: %w", err)
	}
	return &tl, nil
}

func (s ClipSettings) volume() float64 {
	if s.Volume == nil {
		return 1
	}
	return *s.Volume
}

func (s ClipSettings) speed() float64 {
	if s.Speed == nil || *s.Speed <= 0 {
		return 1
	}
	return *s.Speed
}
