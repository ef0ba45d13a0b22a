package middleware

import (
	"net/http"
	"sync/atomic"

	"github.com/autoclip/autoclip-worker/errors"
	"github.com/julienschmidt/httprouter"
)

// RenderCapacity bounds concurrent clip-render requests. Renders run
// synchronously inside the request, so the admission counter covers the
// whole handler.
type RenderCapacity struct {
	inFlight atomic.Int64
	max      int64
}

func NewRenderCapacity(max int) *RenderCapacity {
	if max < 1 {
		max = 1
	}
	return &RenderCapacity{max: int64(max)}
}

func (c *RenderCapacity) HasCapacity(next httprouter.Handle) httprouter.Handle {
	return func(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
		if c.inFlight.Add(1) > c.max {
			c.inFlight.Add(-1)
			errors.WriteHTTPTooManyRequests(w, "Render capacity exhausted, try again later", nil)
			return
		}
		defer c.inFlight.Add(-1)

		next(w, r, ps)
	}
}
