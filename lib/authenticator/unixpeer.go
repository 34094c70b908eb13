package authenticator

import (
	"fmt"
	"net"
	"os"
	"syscall"

	"github.com/gravitational/trace"

	"github.com/SilvaMatteus/parsec/lib/provider"
)

// UnixPeerAuthenticator derives an ApplicationName from the executable
// path of the process on the other end of a Unix domain socket, read via
// SO_PEERCRED. This is the minimal real authenticator needed to exercise
// the interface end to end; a production deployment would likely also
// fold in UID/PID into the application identity.
type UnixPeerAuthenticator struct{}

// NewUnixPeerAuthenticator constructs a UnixPeerAuthenticator.
func NewUnixPeerAuthenticator() *UnixPeerAuthenticator {
	return &UnixPeerAuthenticator{}
}

// Authenticate implements Authenticator.
func (UnixPeerAuthenticator) Authenticate(creds ConnectionCredentials) (provider.ApplicationName, error) {
	if creds.Exe == "" {
		return "", trace.Wrap(ErrAuthentication, "peer executable path unknown")
	}
	return provider.ApplicationName(creds.Exe), nil
}

// PeerCredentials reads SO_PEERCRED off conn and resolves the peer's
// executable path via /proc/<pid>/exe. conn must be a *net.UnixConn
// backed by a real Unix domain socket (SOCK_STREAM).
func PeerCredentials(conn *net.UnixConn) (ConnectionCredentials, error) {
	raw, err := conn.SyscallConn()
	if err != nil {
		return ConnectionCredentials{}, trace.Wrap(err)
	}

	var ucred *syscall.Ucred
	var ctrlErr error
	err = raw.Control(func(fd uintptr) {
		ucred, ctrlErr = syscall.GetsockoptUcred(int(fd), syscall.SOL_SOCKET, syscall.SO_PEERCRED)
	})
	if err != nil {
		return ConnectionCredentials{}, trace.Wrap(err)
	}
	if ctrlErr != nil {
		return ConnectionCredentials{}, trace.Wrap(ctrlErr)
	}

	exe, err := os.Readlink(fmt.Sprintf("/proc/%d/exe", ucred.Pid))
	if err != nil {
		// The peer may have already exited, or /proc may be unavailable
		// (non-Linux). Exe is left empty and Authenticate rejects it.
		exe = ""
	}

	return ConnectionCredentials{
		PID: ucred.Pid,
		UID: ucred.Uid,
		Exe: exe,
	}, nil
}
