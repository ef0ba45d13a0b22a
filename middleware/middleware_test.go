package middleware

import (
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/julienschmidt/httprouter"
	"github.com/stretchr/testify/require"
)

func okHandler(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	w.WriteHeader(http.StatusOK)
}

func TestIsAuthorized(t *testing.T) {
	handler := IsAuthorized("sekrit", okHandler)

	w := httptest.NewRecorder()
	handler(w, httptest.NewRequest("POST", "/render", nil), nil)
	require.Equal(t, http.StatusUnauthorized, w.Code)
	require.JSONEq(t, `{"error":"Unauthorized"}`, w.Body.String())

	w = httptest.NewRecorder()
	req := httptest.NewRequest("POST", "/render", nil)
	req.Header.Set("Authorization", "Bearer wrong")
	handler(w, req, nil)
	require.Equal(t, http.StatusUnauthorized, w.Code)

	w = httptest.NewRecorder()
	req = httptest.NewRequest("POST", "/render", nil)
	req.Header.Set("Authorization", "Bearer sekrit")
	handler(w, req, nil)
	require.Equal(t, http.StatusOK, w.Code)
}

func TestLogRequestAssignsRequestID(t *testing.T) {
	var seen string
	handler := LogRequest()(func(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
		seen = RequestID(r)
		w.WriteHeader(http.StatusNoContent)
	})

	w := httptest.NewRecorder()
	handler(w, httptest.NewRequest("GET", "/health", nil), nil)
	require.NotEmpty(t, seen)
	require.Equal(t, http.StatusNoContent, w.Code)
}

func TestLogRequestRecoversPanics(t *testing.T) {
	handler := LogRequest()(func(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
		panic("boom")
	})

	w := httptest.NewRecorder()
	require.NotPanics(t, func() {
		handler(w, httptest.NewRequest("GET", "/health", nil), nil)
	})
	require.Equal(t, http.StatusInternalServerError, w.Code)
}

func TestRenderCapacityRejectsWhenSaturated(t *testing.T) {
	capacity := NewRenderCapacity(2)
	entered := make(chan struct{}, 2)
	release := make(chan struct{})
	handler := capacity.HasCapacity(func(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
		entered <- struct{}{}
		<-release
		w.WriteHeader(http.StatusOK)
	})

	var wg sync.WaitGroup
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			handler(httptest.NewRecorder(), httptest.NewRequest("POST", "/render", nil), nil)
		}()
	}
	<-entered
	<-entered

	w := httptest.NewRecorder()
	handler(w, httptest.NewRequest("POST", "/render", nil), nil)
	require.Equal(t, http.StatusTooManyRequests, w.Code)

	close(release)
	wg.Wait()

	w = httptest.NewRecorder()
	handler(w, httptest.NewRequest("POST", "/render", nil), nil)
	require.Equal(t, http.StatusOK, w.Code)
}
