package upstream

import "fmt"

// APIError is a classified provider failure: a transport problem, a non-2xx
// status, or a 2xx envelope with errYn=Y.
type APIError struct {
	Endpoint   string
	Status     int
	ErrCd      string
	ErrMsg     string
	UserTrNo   string
	HyphenTrNo string
	Timeout    bool
}

func (e *APIError) Error() string {
	if e.Timeout {
		return fmt.Sprintf("upstream %s: timeout", e.Endpoint)
	}
	if e.ErrCd != "" {
		return fmt.Sprintf("upstream %s: status %d errCd %s: %s", e.Endpoint, e.Status, e.ErrCd, e.ErrMsg)
	}
	return fmt.Sprintf("upstream %s: status %d", e.Endpoint, e.Status)
}

// Retryable reports whether another attempt may succeed. Envelope business
// errors are final; timeouts, throttling and 5xx are worth retrying.
func (e *APIError) Retryable() bool {
	if e.Timeout {
		return true
	}
	if e.ErrCd != "" {
		return false
	}
	return e.Status == 429 || e.Status >= 500
}

// session-expired provider codes that remap to an auth re-init
var sessionExpiredCodes = map[string]struct{}{
	"LGIN0004": {},
	"ERR-8401": {},
	"CERT0002": {},
}

func IsSessionExpired(errCd string) bool {
	_, ok := sessionExpiredCodes[errCd]
	return ok
}
