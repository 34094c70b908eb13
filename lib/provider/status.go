package provider

import (
	"fmt"

	"github.com/gravitational/trace"
)

// Status is the response status byte returned to clients.
type Status byte

const (
	Success Status = iota
	PsaErrorNotSupported
	PsaErrorDoesNotExist
	PsaErrorAlreadyExists
	PsaErrorInvalidArgument
	PsaErrorInsufficientMemory
	PsaErrorNotPermitted
	PsaErrorGenericError
	ProviderNotRegistered
	InvalidEncoding
)

func (s Status) String() string {
	switch s {
	case Success:
		return "Success"
	case PsaErrorNotSupported:
		return "PsaErrorNotSupported"
	case PsaErrorDoesNotExist:
		return "PsaErrorDoesNotExist"
	case PsaErrorAlreadyExists:
		return "PsaErrorAlreadyExists"
	case PsaErrorInvalidArgument:
		return "PsaErrorInvalidArgument"
	case PsaErrorInsufficientMemory:
		return "PsaErrorInsufficientMemory"
	case PsaErrorNotPermitted:
		return "PsaErrorNotPermitted"
	case PsaErrorGenericError:
		return "PsaErrorGenericError"
	case ProviderNotRegistered:
		return "ProviderNotRegistered"
	case InvalidEncoding:
		return "InvalidEncoding"
	default:
		return fmt.Sprintf("status(%d)", byte(s))
	}
}

// StatusFromError translates a trace-wrapped service error into the wire
// status the client understands. Local errors (KIM I/O, lock poisoning)
// never reach here: they are fatal before a request is ever dispatched.
func StatusFromError(err error) Status {
	switch {
	case err == nil:
		return Success
	case trace.IsNotFound(err):
		return PsaErrorDoesNotExist
	case trace.IsAlreadyExists(err):
		return PsaErrorAlreadyExists
	case trace.IsNotImplemented(err):
		return PsaErrorNotSupported
	case trace.IsAccessDenied(err):
		return PsaErrorNotPermitted
	case trace.IsBadParameter(err):
		return PsaErrorInvalidArgument
	default:
		return PsaErrorGenericError
	}
}

// ErrNotSupported is the trace error for an op a provider does not
// implement; StatusFromError maps it to PsaErrorNotSupported. The
// Unimplemented embed returns PsaErrorNotSupported directly instead.
var ErrNotSupported = trace.NotImplemented("operation not supported by this provider")
