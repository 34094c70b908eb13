package unixsock

import (
	"context"
	"net"
	"path/filepath"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"

	"github.com/SilvaMatteus/parsec/lib/authenticator"
	"github.com/SilvaMatteus/parsec/lib/kim"
	"github.com/SilvaMatteus/parsec/lib/metrics"
	"github.com/SilvaMatteus/parsec/lib/provider"
	"github.com/SilvaMatteus/parsec/lib/provider/core"
	"github.com/SilvaMatteus/parsec/lib/provider/software"
	"github.com/SilvaMatteus/parsec/lib/wire"
)

func newTestServer(t *testing.T) (string, *Server) {
	t.Helper()
	root := t.TempDir()
	kimRoot := filepath.Join(root, "kim")
	manager, err := kim.NewOnDiskManager(kimRoot, nil)
	require.NoError(t, err)

	sw, err := software.New(context.Background(), software.Config{
		KeyMaterialDir: filepath.Join(root, "swkeys"),
	}, manager, kimRoot, nil)
	require.NoError(t, err)
	t.Cleanup(sw.Close)

	disp := core.NewDispatcher(map[provider.ID]provider.Provider{provider.MbedCrypto: sw})
	sockPath := filepath.Join(root, "parsec.sock")
	srv := New(Config{SocketPath: sockPath}, disp, authenticator.NewUnixPeerAuthenticator(), nil, nil)

	go srv.ListenAndServe()
	t.Cleanup(func() { srv.Close() })

	require.Eventually(t, func() bool {
		conn, err := net.DialTimeout("unix", sockPath, 100*time.Millisecond)
		if err != nil {
			return false
		}
		conn.Close()
		return true
	}, time.Second, 10*time.Millisecond)

	return sockPath, srv
}

func TestServerPingRoundTrip(t *testing.T) {
	sockPath, _ := newTestServer(t)

	conn, err := net.Dial("unix", sockPath)
	require.NoError(t, err)
	defer conn.Close()

	require.NoError(t, wire.WriteRequest(conn, wire.Request{
		ProviderID: provider.MbedCrypto,
		Opcode:     provider.Ping,
	}))
	resp, err := wire.ReadResponse(conn)
	require.NoError(t, err)
	require.Equal(t, provider.Success, resp.Status)
}

func TestServerGenerateSignVerifyRoundTrip(t *testing.T) {
	sockPath, _ := newTestServer(t)

	conn, err := net.Dial("unix", sockPath)
	require.NoError(t, err)
	defer conn.Close()

	attrs := provider.KeyAttributes{
		Lifetime: provider.Persistent,
		Type:     provider.RsaKeyPair,
		Bits:     2048,
		Policy: provider.Policy{
			Usage:     provider.UsageSignHash | provider.UsageVerifyHash,
			Permitted: provider.Algorithm{RsaPkcs1v15Sign: true, Hash: provider.Sha256},
		},
	}
	require.NoError(t, wire.WriteRequest(conn, wire.Request{
		ProviderID: provider.MbedCrypto,
		Opcode:     provider.PsaGenerateKey,
		Payload:    wire.EncodeGenerateKeyOperation(provider.GenerateKeyOperation{Name: "k1", Attrs: attrs}),
	}))
	resp, err := wire.ReadResponse(conn)
	require.NoError(t, err)
	require.Equal(t, provider.Success, resp.Status)

	hash := make([]byte, 32)
	require.NoError(t, wire.WriteRequest(conn, wire.Request{
		ProviderID: provider.MbedCrypto,
		Opcode:     provider.PsaSignHash,
		Payload: wire.EncodeSignHashOperation(provider.SignHashOperation{
			Name: "k1",
			Alg:  provider.Algorithm{RsaPkcs1v15Sign: true, Hash: provider.Sha256},
			Hash: hash,
		}),
	}))
	resp, err = wire.ReadResponse(conn)
	require.NoError(t, err)
	require.Equal(t, provider.Success, resp.Status)

	signRes, err := wire.DecodeSignHashResult(resp.Payload)
	require.NoError(t, err)
	require.NotEmpty(t, signRes.Signature)

	require.NoError(t, wire.WriteRequest(conn, wire.Request{
		ProviderID: provider.MbedCrypto,
		Opcode:     provider.PsaVerifyHash,
		Payload: wire.EncodeVerifyHashOperation(provider.VerifyHashOperation{
			Name:      "k1",
			Alg:       provider.Algorithm{RsaPkcs1v15Sign: true, Hash: provider.Sha256},
			Hash:      hash,
			Signature: signRes.Signature,
		}),
	}))
	resp, err = wire.ReadResponse(conn)
	require.NoError(t, err)
	require.Equal(t, provider.Success, resp.Status)
}

func TestServerUnknownProviderRespondsProviderNotRegistered(t *testing.T) {
	sockPath, _ := newTestServer(t)

	conn, err := net.Dial("unix", sockPath)
	require.NoError(t, err)
	defer conn.Close()

	require.NoError(t, wire.WriteRequest(conn, wire.Request{
		ProviderID: provider.Tpm,
		Opcode:     provider.Ping,
	}))
	resp, err := wire.ReadResponse(conn)
	require.NoError(t, err)
	require.Equal(t, provider.ProviderNotRegistered, resp.Status)
}

// TestServerRecordsRequestDurationFromClock runs the server on a fake
// clock so the metrics path fires without depending on the wall clock,
// and asserts the request is counted under its provider/opcode/status.
func TestServerRecordsRequestDurationFromClock(t *testing.T) {
	root := t.TempDir()
	kimRoot := filepath.Join(root, "kim")
	manager, err := kim.NewOnDiskManager(kimRoot, nil)
	require.NoError(t, err)

	sw, err := software.New(context.Background(), software.Config{
		KeyMaterialDir: filepath.Join(root, "swkeys"),
	}, manager, kimRoot, nil)
	require.NoError(t, err)
	t.Cleanup(sw.Close)

	disp := core.NewDispatcher(map[provider.ID]provider.Provider{provider.MbedCrypto: sw})
	reg := prometheus.NewRegistry()
	mtr := metrics.NewRegistry(reg)
	clock := clockwork.NewFakeClock()

	sockPath := filepath.Join(root, "parsec.sock")
	srv := New(Config{SocketPath: sockPath}, disp, authenticator.NewUnixPeerAuthenticator(), mtr, nil).
		WithClock(clock)
	go srv.ListenAndServe()
	t.Cleanup(func() { srv.Close() })

	require.Eventually(t, func() bool {
		conn, err := net.DialTimeout("unix", sockPath, 100*time.Millisecond)
		if err != nil {
			return false
		}
		conn.Close()
		return true
	}, time.Second, 10*time.Millisecond)

	conn, err := net.Dial("unix", sockPath)
	require.NoError(t, err)
	defer conn.Close()

	require.NoError(t, wire.WriteRequest(conn, wire.Request{
		ProviderID: provider.MbedCrypto,
		Opcode:     provider.Ping,
	}))
	resp, err := wire.ReadResponse(conn)
	require.NoError(t, err)
	require.Equal(t, provider.Success, resp.Status)

	require.Eventually(t, func() bool {
		return testutil.ToFloat64(
			mtr.RequestsTotalFor(provider.MbedCrypto, provider.Ping, provider.Success),
		) == 1.0
	}, time.Second, 10*time.Millisecond)
}

func TestServerMalformedPayloadRespondsInvalidEncoding(t *testing.T) {
	sockPath, _ := newTestServer(t)

	conn, err := net.Dial("unix", sockPath)
	require.NoError(t, err)
	defer conn.Close()

	require.NoError(t, wire.WriteRequest(conn, wire.Request{
		ProviderID: provider.MbedCrypto,
		Opcode:     provider.PsaSignHash,
		Payload:    []byte{0x00},
	}))
	resp, err := wire.ReadResponse(conn)
	require.NoError(t, err)
	require.Equal(t, provider.InvalidEncoding, resp.Status)
}
