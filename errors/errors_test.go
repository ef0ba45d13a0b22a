package errors

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/xeipuuv/gojsonschema"
)

func TestItWritesTheStatusCodeBeforeTheBody(t *testing.T) {
	rr := httptest.NewRecorder()
	WriteHTTPTooManyRequests(rr, "Busy", nil)

	require.Equal(t, 429, rr.Code)

	var body map[string]string
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &body))
	require.Equal(t, "Busy", body["error"])
	_, hasDetail := body["error_detail"]
	require.False(t, hasDetail)
}

func TestItIncludesErrorDetailWhenPresent(t *testing.T) {
	rr := httptest.NewRecorder()
	WriteHTTPInternalServerError(rr, "probe failed", fmt.Errorf("exit status 1"))

	var body map[string]string
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &body))
	require.Equal(t, "probe failed", body["error"])
	require.Equal(t, "exit status 1", body["error_detail"])
}

func TestWriteHTTPBadBodySchema(t *testing.T) {
	schema, err := gojsonschema.NewSchema(gojsonschema.NewStringLoader(
		`{"type":"object","required":["sessionId"]}`))
	require.NoError(t, err)
	result, err := schema.Validate(gojsonschema.NewStringLoader(`{}`))
	require.NoError(t, err)
	require.False(t, result.Valid())

	rr := httptest.NewRecorder()
	WriteHTTPBadBodySchema("Render", rr, result.Errors())

	require.Equal(t, http.StatusBadRequest, rr.Code)
	var body map[string]string
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &body))
	require.Contains(t, body["error"], "Body validation error in Render")
	require.Contains(t, body["error"], "sessionId")
}

func TestUnretriable(t *testing.T) {
	base := fmt.Errorf("chunk too large")
	require.False(t, IsUnretriable(base))
	require.True(t, IsUnretriable(Unretriable(base)))
	require.True(t, IsUnretriable(fmt.Errorf("transcription failed: %w", Unretriable(base))))
}
