// Package unixsock is the daemon's Unix domain socket frontend: it
// frames requests and responses with lib/wire and dispatches them
// through lib/provider/core.Dispatcher, attaching the per-request
// timeout at this layer rather than inside the core.
package unixsock

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net"
	"os"
	"time"

	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"

	"github.com/SilvaMatteus/parsec/lib/authenticator"
	"github.com/SilvaMatteus/parsec/lib/metrics"
	"github.com/SilvaMatteus/parsec/lib/provider"
	"github.com/SilvaMatteus/parsec/lib/provider/core"
	"github.com/SilvaMatteus/parsec/lib/wire"
)

// DefaultRequestTimeout is the per-request deadline set on the context
// handed to the dispatcher. Only the software provider's wait for a key
// slot observes it; a backend call already under way runs to completion.
const DefaultRequestTimeout = 10 * time.Second

// Config configures a Server.
type Config struct {
	SocketPath     string
	RequestTimeout time.Duration // zero means DefaultRequestTimeout
}

// Server listens on a Unix domain socket and serves wire requests.
type Server struct {
	cfg    Config
	disp   *core.Dispatcher
	auth   authenticator.Authenticator
	mtr    *metrics.Registry
	log    *slog.Logger
	clock  clockwork.Clock
	ln     net.Listener
	closed chan struct{}
}

// New constructs a Server. mtr and log may be nil.
func New(cfg Config, disp *core.Dispatcher, auth authenticator.Authenticator, mtr *metrics.Registry, log *slog.Logger) *Server {
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = DefaultRequestTimeout
	}
	if log == nil {
		log = slog.Default()
	}
	return &Server{cfg: cfg, disp: disp, auth: auth, mtr: mtr, log: log, clock: clockwork.NewRealClock(), closed: make(chan struct{})}
}

// WithClock overrides the server's clock, used by tests that need
// deterministic request-duration metrics instead of a wall-clock read.
func (s *Server) WithClock(clock clockwork.Clock) *Server {
	s.clock = clock
	return s
}

// ListenAndServe binds the configured socket path and serves connections
// until the server is closed. It removes a stale socket file left behind
// by an unclean shutdown before binding.
func (s *Server) ListenAndServe() error {
	if err := os.Remove(s.cfg.SocketPath); err != nil && !os.IsNotExist(err) {
		return trace.Wrap(err)
	}
	ln, err := net.Listen("unix", s.cfg.SocketPath)
	if err != nil {
		return trace.Wrap(err)
	}
	s.ln = ln

	for {
		conn, err := ln.Accept()
		if err != nil {
			select {
			case <-s.closed:
				return nil
			default:
				return trace.Wrap(err)
			}
		}
		go s.serveConn(conn)
	}
}

// Close stops accepting new connections.
func (s *Server) Close() error {
	close(s.closed)
	if s.ln == nil {
		return nil
	}
	return trace.Wrap(s.ln.Close())
}

func (s *Server) serveConn(conn net.Conn) {
	defer conn.Close()

	app, err := s.authenticate(conn)
	if err != nil {
		s.log.Warn("rejecting connection: authentication failed", "error", err)
		return
	}

	for {
		req, err := wire.ReadRequest(conn)
		if err != nil {
			if !errors.Is(err, io.EOF) {
				s.log.Debug("connection closed", "error", err)
			}
			return
		}

		ctx, cancel := context.WithTimeout(context.Background(), s.cfg.RequestTimeout)
		resp := s.dispatch(ctx, app, req)
		cancel()

		if err := wire.WriteResponse(conn, resp); err != nil {
			s.log.Warn("failed writing response", "error", err)
			return
		}
	}
}

func (s *Server) authenticate(conn net.Conn) (provider.ApplicationName, error) {
	unixConn, ok := conn.(*net.UnixConn)
	if !ok {
		return "", trace.BadParameter("unixsock server requires a unix domain socket connection")
	}
	creds, err := authenticator.PeerCredentials(unixConn)
	if err != nil {
		return "", trace.Wrap(err)
	}
	return s.auth.Authenticate(creds)
}

// dispatch decodes req's operation-specific payload, calls the matching
// Dispatcher method, and encodes the result. Decode failures map to the
// wire InvalidEncoding status without ever reaching the dispatcher.
func (s *Server) dispatch(ctx context.Context, app provider.ApplicationName, req wire.Request) wire.Response {
	start := s.clock.Now()
	resp := s.dispatchOpcode(ctx, app, req)
	if s.mtr != nil {
		s.mtr.ObserveRequest(req.ProviderID, req.Opcode, resp.Status, s.clock.Since(start))
	}
	s.log.Debug("handled request",
		"provider", req.ProviderID, "opcode", req.Opcode, "application", app, "status", resp.Status)
	return resp
}

func (s *Server) dispatchOpcode(ctx context.Context, app provider.ApplicationName, req wire.Request) wire.Response {
	switch req.Opcode {
	case provider.Ping:
		status := s.disp.Ping(ctx, req.ProviderID)
		return wire.Response{Status: status}

	case provider.PsaGenerateKey:
		op, err := wire.DecodeGenerateKeyOperation(req.Payload)
		if err != nil {
			return invalidEncoding()
		}
		_, status := s.disp.GenerateKey(ctx, req.ProviderID, app, op)
		return wire.Response{Status: status}

	case provider.PsaImportKey:
		op, err := wire.DecodeImportKeyOperation(req.Payload)
		if err != nil {
			return invalidEncoding()
		}
		_, status := s.disp.ImportKey(ctx, req.ProviderID, app, op)
		return wire.Response{Status: status}

	case provider.PsaExportPublicKey:
		op, err := wire.DecodeExportPublicKeyOperation(req.Payload)
		if err != nil {
			return invalidEncoding()
		}
		res, status := s.disp.ExportPublicKey(ctx, req.ProviderID, app, op)
		if status != provider.Success {
			return wire.Response{Status: status}
		}
		return wire.Response{Status: status, Payload: wire.EncodeExportPublicKeyResult(res)}

	case provider.PsaDestroyKey:
		op, err := wire.DecodeDestroyKeyOperation(req.Payload)
		if err != nil {
			return invalidEncoding()
		}
		_, status := s.disp.DestroyKey(ctx, req.ProviderID, app, op)
		return wire.Response{Status: status}

	case provider.PsaSignHash:
		op, err := wire.DecodeSignHashOperation(req.Payload)
		if err != nil {
			return invalidEncoding()
		}
		res, status := s.disp.SignHash(ctx, req.ProviderID, app, op)
		if status != provider.Success {
			return wire.Response{Status: status}
		}
		return wire.Response{Status: status, Payload: wire.EncodeSignHashResult(res)}

	case provider.PsaVerifyHash:
		op, err := wire.DecodeVerifyHashOperation(req.Payload)
		if err != nil {
			return invalidEncoding()
		}
		_, status := s.disp.VerifyHash(ctx, req.ProviderID, app, op)
		return wire.Response{Status: status}

	case provider.ListProviders:
		infos, status := s.disp.ListProviders(ctx)
		if status != provider.Success {
			return wire.Response{Status: status}
		}
		return wire.Response{Status: status, Payload: wire.EncodeListProvidersResult(infos)}

	case provider.ListOpcodes:
		target, err := wire.DecodeListOpcodesOperation(req.Payload)
		if err != nil {
			return invalidEncoding()
		}
		ops, status := s.disp.ListOpcodes(ctx, target)
		if status != provider.Success {
			return wire.Response{Status: status}
		}
		return wire.Response{Status: status, Payload: wire.EncodeListOpcodesResult(ops)}

	default:
		return wire.Response{Status: provider.PsaErrorNotSupported}
	}
}

func invalidEncoding() wire.Response {
	return wire.Response{Status: provider.InvalidEncoding}
}
