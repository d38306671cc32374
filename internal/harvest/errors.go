package harvest

import "errors"

// Error taxonomy shared by the fetch client, worker and stores. Callers
// branch with errors.Is; wrapping preserves the category across layers.
var (
	// ErrRateLimited means the upstream refused with 429 and local retries
	// were exhausted.
	ErrRateLimited = errors.New("rate limited")

	// ErrUnavailable covers transient network failures and 5xx responses
	// after retry exhaustion. The job should fail and be redelivered.
	ErrUnavailable = errors.New("source unavailable")

	// ErrNotFound marks content pruned upstream. Terminal, not a failure:
	// handlers log and drop the job successfully.
	ErrNotFound = errors.New("not found upstream")

	// ErrMalformed marks an unexpected payload shape. The item is skipped
	// and the surrounding batch continues.
	ErrMalformed = errors.New("malformed payload")

	// ErrStoreUnavailable means the document store connection was lost.
	// Fatal to the current job; the consume loop reconnects with backoff.
	ErrStoreUnavailable = errors.New("store unavailable")
)

// Terminal reports whether err should end the job without a retry.
func Terminal(err error) bool {
	return errors.Is(err, ErrNotFound) || errors.Is(err, ErrMalformed)
}
