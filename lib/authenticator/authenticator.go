// Package authenticator maps a connection's peer credentials to an
// application name. The daemon core never interprets the resulting
// string; it only uses it to scope key names per client.
package authenticator

import (
	"github.com/gravitational/trace"

	"github.com/SilvaMatteus/parsec/lib/provider"
)

// ConnectionCredentials is whatever the listener can extract about the
// peer on a given connection. unixpeer populates PID/UID/EXE from
// SO_PEERCRED; other transports would populate other fields.
type ConnectionCredentials struct {
	PID int32
	UID uint32
	Exe string
}

// Authenticator maps connection credentials to an ApplicationName.
type Authenticator interface {
	Authenticate(creds ConnectionCredentials) (provider.ApplicationName, error)
}

// ErrAuthentication is returned for any credential the authenticator can't
// resolve to an application name.
var ErrAuthentication = trace.AccessDenied("unable to authenticate connection")
