package middleware

import (
	"crypto/subtle"
	"net/http"
	"strings"

	"github.com/autoclip/autoclip-worker/errors"
	"github.com/julienschmidt/httprouter"
)

// IsAuthorized gates a handler behind the shared worker secret.
func IsAuthorized(secret string, next httprouter.Handle) httprouter.Handle {
	return func(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
		authHeader := r.Header.Get("Authorization")
		if authHeader == "" {
			errors.WriteHTTPUnauthorized(w, "Unauthorized", nil)
			return
		}

		token := strings.TrimPrefix(authHeader, "Bearer ")
		if subtle.ConstantTimeCompare([]byte(token), []byte(secret)) != 1 {
			errors.WriteHTTPUnauthorized(w, "Unauthorized", nil)
			return
		}

		next(w, r, ps)
	}
}
