// Package kim implements the KeyInfoManager: the durable, crash-consistent
// mapping from (application, key_name, provider) to a backend-native id
// and the key's immutable attributes.
package kim

import "github.com/gravitational/trace"

// Error is the KIM's own error domain: I/O failures surface as a KIM
// error, not a service-layer error. Callers at provider startup
// translate it to a fatal init failure; callers mid-request translate
// the few sentinel cases (not found, already exists) into the normal
// trace predicates instead of wrapping everything as I/O failure.
type Error struct {
	cause error
}

func (e *Error) Error() string { return "key info manager: " + e.cause.Error() }

func (e *Error) Unwrap() error { return e.cause }

func wrapIO(cause error) error {
	if cause == nil {
		return nil
	}
	return trace.Wrap(&Error{cause: cause})
}
