package authenticator

import (
	"net"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestPeerCredentialsMatchesOwnProcess(t *testing.T) {
	sockPath := filepath.Join(t.TempDir(), "test.sock")
	ln, err := net.Listen("unix", sockPath)
	require.NoError(t, err)
	defer ln.Close()

	serverConns := make(chan *net.UnixConn, 1)
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		serverConns <- conn.(*net.UnixConn)
	}()

	client, err := net.Dial("unix", sockPath)
	require.NoError(t, err)
	defer client.Close()

	serverConn := <-serverConns
	defer serverConn.Close()

	creds, err := PeerCredentials(serverConn)
	require.NoError(t, err)
	require.Equal(t, int32(os.Getpid()), creds.PID)
	require.Equal(t, uint32(os.Getuid()), creds.UID)
}

func TestUnixPeerAuthenticatorRejectsEmptyExe(t *testing.T) {
	a := NewUnixPeerAuthenticator()
	_, err := a.Authenticate(ConnectionCredentials{PID: 1, UID: 0})
	require.Error(t, err)
}

func TestUnixPeerAuthenticatorResolvesSelf(t *testing.T) {
	a := NewUnixPeerAuthenticator()
	name, err := a.Authenticate(ConnectionCredentials{PID: int32(os.Getpid()), Exe: "/usr/bin/my-app"})
	require.NoError(t, err)
	require.EqualValues(t, "/usr/bin/my-app", name)
}
