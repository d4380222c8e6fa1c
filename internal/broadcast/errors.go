// Package broadcast manages YouTube Live broadcasts: creation, reuse of
// recent broadcasts across restarts, ingestion-health gated go-live, and
// idempotent teardown.
package broadcast

import "errors"

var (
	// ErrAuth indicates rejected or expired credentials.
	ErrAuth = errors.New("broadcast authentication failed")
	// ErrQuota indicates the API quota is exhausted.
	ErrQuota = errors.New("broadcast API quota exceeded")
	// ErrIngestion indicates the ingestion never reported a healthy stream.
	ErrIngestion = errors.New("stream ingestion unhealthy")
	// ErrAPI covers all other upstream API failures.
	ErrAPI = errors.New("broadcast API error")
	// ErrDisabled indicates live broadcasting is turned off in configuration.
	ErrDisabled = errors.New("live broadcast disabled by configuration")
)
