package clients

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"os"
	"path/filepath"
	"time"
)

// VerboseTranscription mirrors the verbose_json response of the STT API with
// both segment- and word-level timestamps. Times are relative to the start
// of the submitted audio chunk.
type VerboseTranscription struct {
	Language string              `json:"language"`
	Duration float64             `json:"duration"`
	Text     string              `json:"text"`
	Segments []TranscriptSegment `json:"segments"`
	Words    []TranscriptWord    `json:"words"`
}

type TranscriptSegment struct {
	Start float64 `json:"start"`
	End   float64 `json:"end"`
	Text  string  `json:"text"`
}

type TranscriptWord struct {
	Start float64 `json:"start"`
	End   float64 `json:"end"`
	Word  string  `json:"word"`
}

// STTClient transcribes a single audio file.
type STTClient interface {
	Transcribe(ctx context.Context, audioPath, language string) (*VerboseTranscription, error)
}

// STTError is a non-transport failure reported by the STT endpoint.
type STTError struct {
	StatusCode int
	Message    string
}

func (e *STTError) Error() string {
	return fmt.Sprintf("stt request failed with status %d: %s", e.StatusCode, e.Message)
}

// OpenAISTT calls the OpenAI audio transcription endpoint.
type OpenAISTT struct {
	APIKey     string
	BaseURL    string
	Model      string
	HTTPClient *http.Client
}

const defaultSTTBaseURL = "https://api.openai.com/v1"

func NewOpenAISTT(apiKey string) *OpenAISTT {
	return &OpenAISTT{
		APIKey:  apiKey,
		BaseURL: defaultSTTBaseURL,
		Model:   "whisper-1",
		// the per-call deadline is enforced by the caller's context; this is
		// only a hard ceiling against a wedged connection
		HTTPClient: &http.Client{Timeout: 15 * time.Minute},
	}
}

func (c *OpenAISTT) Transcribe(ctx context.Context, audioPath, language string) (*VerboseTranscription, error) {
	f, err := os.Open(audioPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open audio chunk: %w", err)
	}
	defer f.Close()

	body := &bytes.Buffer{}
	mw := multipart.NewWriter(body)
	part, err := mw.CreateFormFile("file", filepath.Base(audioPath))
	if err != nil {
		return nil, err
	}
	if _, err := io.Copy(part, f); err != nil {
		return nil, fmt.Errorf("failed to read audio chunk: %w", err)
	}
	fields := map[string]string{
		"model":           c.Model,
		"response_format": "verbose_json",
	}
	if language != "" {
		fields["language"] = language
	}
	for k, v := range fields {
		if err := mw.WriteField(k, v); err != nil {
			return nil, err
		}
	}
	for _, granularity := range []string{"word", "segment"} {
		if err := mw.WriteField("timestamp_granularities[]", granularity); err != nil {
			return nil, err
		}
	}
	if err := mw.Close(); err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.BaseURL+"/audio/transcriptions", body)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+c.APIKey)
	req.Header.Set("Content-Type", mw.FormDataContentType())

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		// transport-level failure: DNS, reset, timeout. Callers classify
		// these as connection errors.
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return nil, &STTError{StatusCode: resp.StatusCode, Message: readAPIError(resp.Body)}
	}

	var out VerboseTranscription
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("failed to decode transcription response: %w", err)
	}
	return &out, nil
}

func readAPIError(r io.Reader) string {
	raw, _ := io.ReadAll(io.LimitReader(r, 4096))
	var apiErr struct {
		Error struct {
			Message string `json:"message"`
		} `json:"error"`
	}
	if err := json.Unmarshal(raw, &apiErr); err == nil && apiErr.Error.Message != "" {
		return apiErr.Error.Message
	}
	return string(raw)
}
