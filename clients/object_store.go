package clients

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/autoclip/autoclip-worker/log"
	"github.com/autoclip/autoclip-worker/metrics"
)

// ObjectStore is the artifact I/O surface the pipelines depend on. The
// production implementation talks to Supabase Storage; tests substitute it.
type ObjectStore interface {
	Upload(ctx context.Context, bucket, key, localPath, contentType string) error
	Download(ctx context.Context, bucket, key, localPath string) error
	Sign(ctx context.Context, bucket, key string, expirySeconds int) (string, error)
	List(ctx context.Context, bucket, prefix string, limit int) ([]string, error)
	Remove(ctx context.Context, bucket string, keys []string) error
}

// SupabaseStorage implements ObjectStore against the Supabase Storage REST
// API using the service role key.
type SupabaseStorage struct {
	BaseURL    string
	ServiceKey string
	HTTPClient *http.Client
}

func NewSupabaseStorage(baseURL, serviceKey string) *SupabaseStorage {
	return &SupabaseStorage{
		BaseURL:    strings.TrimSuffix(baseURL, "/"),
		ServiceKey: serviceKey,
		HTTPClient: &http.Client{Timeout: 10 * time.Minute},
	}
}

func (s *SupabaseStorage) objectURL(parts ...string) string {
	escaped := make([]string, len(parts))
	for i, p := range parts {
		segs := strings.Split(p, "/")
		for j, seg := range segs {
			segs[j] = url.PathEscape(seg)
		}
		escaped[i] = strings.Join(segs, "/")
	}
	return s.BaseURL + "/storage/v1/" + strings.Join(escaped, "/")
}

func (s *SupabaseStorage) do(req *http.Request) (*http.Response, error) {
	req.Header.Set("Authorization", "Bearer "+s.ServiceKey)
	resp, err := s.HTTPClient.Do(req)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode >= 400 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		resp.Body.Close()
		return nil, fmt.Errorf("storage request %s %s failed with status %d: %s",
			req.Method, log.RedactURL(req.URL.String()), resp.StatusCode, string(body))
	}
	return resp, nil
}

// Upload writes a local file to the store. A streaming body is attempted
// first; if the transport rejects it with a duplex/stream/body/unsupported
// style error the whole file is buffered in memory and retried once. Any
// other failure is propagated. Uploads always upsert.
func (s *SupabaseStorage) Upload(ctx context.Context, bucket, key, localPath, contentType string) error {
	streamErr := s.uploadStreaming(ctx, bucket, key, localPath, contentType)
	if streamErr == nil {
		return nil
	}
	if !isStreamingUnsupported(streamErr) {
		return streamErr
	}

	log.LogNoRequestID("streaming upload rejected, retrying buffered", "bucket", bucket, "key", key, "err", streamErr)
	metrics.Metrics.UploadStreamingFallbacks.Inc()

	data, err := os.ReadFile(localPath)
	if err != nil {
		return fmt.Errorf("failed to buffer %s for upload: %w", localPath, err)
	}
	if err := s.putObject(ctx, bucket, key, bytes.NewReader(data), int64(len(data)), contentType); err != nil {
		// surface the original streaming error when the fallback also fails
		return fmt.Errorf("buffered upload fallback failed (%s): %w", err, streamErr)
	}
	return nil
}

func (s *SupabaseStorage) uploadStreaming(ctx context.Context, bucket, key, localPath, contentType string) error {
	f, err := os.Open(localPath)
	if err != nil {
		return fmt.Errorf("failed to open %s for upload: %w", localPath, err)
	}
	defer f.Close()
	stat, err := f.Stat()
	if err != nil {
		return fmt.Errorf("failed to stat %s for upload: %w", localPath, err)
	}
	return s.putObject(ctx, bucket, key, f, stat.Size(), contentType)
}

func (s *SupabaseStorage) putObject(ctx context.Context, bucket, key string, body io.Reader, length int64, contentType string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.objectURL("object", bucket, key), body)
	if err != nil {
		return err
	}
	req.ContentLength = length
	req.Header.Set("Content-Type", contentType)
	req.Header.Set("x-upsert", "true")

	resp, err := s.do(req)
	if err != nil {
		return err
	}
	resp.Body.Close()
	return nil
}

func isStreamingUnsupported(err error) bool {
	msg := strings.ToLower(err.Error())
	for _, needle := range []string{"duplex", "stream", "body", "unsupported"} {
		if strings.Contains(msg, needle) {
			return true
		}
	}
	return false
}

// Download fetches an object into the caller-named local path.
func (s *SupabaseStorage) Download(ctx context.Context, bucket, key, localPath string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.objectURL("object", bucket, key), nil)
	if err != nil {
		return err
	}
	resp, err := s.do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	out, err := os.Create(localPath)
	if err != nil {
		return fmt.Errorf("failed to create %s: %w", localPath, err)
	}
	defer out.Close()
	if _, err := io.Copy(out, resp.Body); err != nil {
		return fmt.Errorf("failed to write %s: %w", localPath, err)
	}
	return nil
}

// Sign issues a signed download URL valid for expirySeconds.
func (s *SupabaseStorage) Sign(ctx context.Context, bucket, key string, expirySeconds int) (string, error) {
	payload, err := json.Marshal(map[string]int{"expiresIn": expirySeconds})
	if err != nil {
		return "", err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.objectURL("object/sign", bucket, key), bytes.NewReader(payload))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	var signed struct {
		SignedURL string `json:"signedURL"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&signed); err != nil {
		return "", fmt.Errorf("failed to decode sign response: %w", err)
	}
	if signed.SignedURL == "" {
		return "", fmt.Errorf("sign response missing signedURL for %s/%s", bucket, key)
	}
	return s.BaseURL + "/storage/v1" + signed.SignedURL, nil
}

// List returns object keys under prefix, up to limit.
func (s *SupabaseStorage) List(ctx context.Context, bucket, prefix string, limit int) ([]string, error) {
	payload, err := json.Marshal(map[string]interface{}{"prefix": prefix, "limit": limit})
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.objectURL("object/list", bucket), bytes.NewReader(payload))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var entries []struct {
		Name string `json:"name"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&entries); err != nil {
		return nil, fmt.Errorf("failed to decode list response: %w", err)
	}
	keys := make([]string, 0, len(entries))
	for _, e := range entries {
		if e.Name != "" {
			keys = append(keys, strings.TrimSuffix(prefix, "/")+"/"+e.Name)
		}
	}
	return keys, nil
}

// Remove deletes the given keys from the bucket.
func (s *SupabaseStorage) Remove(ctx context.Context, bucket string, keys []string) error {
	if len(keys) == 0 {
		return nil
	}
	payload, err := json.Marshal(map[string][]string{"prefixes": keys})
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, s.objectURL("object", bucket), bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.do(req)
	if err != nil {
		return err
	}
	resp.Body.Close()
	return nil
}
