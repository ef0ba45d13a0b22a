package log

import (
	"net/url"
	"strings"
)

// RedactURL strips credentials and signing query parameters from a URL so it
// can be logged safely. Unparseable input is fully redacted rather than
// leaked.
func RedactURL(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return "REDACTED"
	}
	u.User = nil
	q := u.Query()
	for param := range q {
		lower := strings.ToLower(param)
		if strings.Contains(lower, "token") || strings.Contains(lower, "signature") || strings.Contains(lower, "key") {
			q.Set(param, "REDACTED")
		}
	}
	u.RawQuery = q.Encode()
	return u.String()
}
