package backends

import "github.com/cockroachdb/errors"

// The four error kinds every adapter and the store itself report. Callers
// match with errors.Is; the HTTP layer maps them to status codes.
var (
	// ErrBackend marks engine failures (connection refused, engine-side
	// rejection, corrupt payloads).
	ErrBackend = errors.New("backend error")

	// ErrBackendParameter marks invalid caller input (malformed target,
	// unsupported operation, invalid query combination).
	ErrBackendParameter = errors.New("backend parameter error")

	// ErrConflict marks a statement id resubmitted with different content.
	ErrConflict = errors.New("statement conflict")

	// ErrNotFound marks a by-id lookup with no match.
	ErrNotFound = errors.New("not found")
)

// Backendf builds an engine failure with a formatted message.
func Backendf(format string, args ...any) error {
	return errors.Mark(errors.Newf(format, args...), ErrBackend)
}

// WrapBackend attaches an engine failure cause under the taxonomy.
func WrapBackend(err error, msg string) error {
	return errors.Mark(errors.Wrap(err, msg), ErrBackend)
}

// Parameterf builds an invalid-input error with a formatted message.
func Parameterf(format string, args ...any) error {
	return errors.Mark(errors.Newf(format, args...), ErrBackendParameter)
}
