// Command parsecd is the key-broker daemon: it loads a provider
// configuration, constructs the configured backends, and serves requests
// over a Unix domain socket until SIGINT/SIGTERM.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"

	"github.com/SilvaMatteus/parsec/lib/authenticator"
	"github.com/SilvaMatteus/parsec/lib/config"
	"github.com/SilvaMatteus/parsec/lib/kim"
	"github.com/SilvaMatteus/parsec/lib/listener/unixsock"
	"github.com/SilvaMatteus/parsec/lib/metrics"
	"github.com/SilvaMatteus/parsec/lib/provider"
	"github.com/SilvaMatteus/parsec/lib/provider/core"
	"github.com/SilvaMatteus/parsec/lib/provider/pkcs11"
	"github.com/SilvaMatteus/parsec/lib/provider/software"
	"github.com/SilvaMatteus/parsec/lib/provider/tpm"
	"github.com/SilvaMatteus/parsec/lib/utils"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "parsecd",
		Short: "parsecd is the local PSA Crypto key-broker daemon",
	}
	root.AddCommand(newRunCmd())
	return root
}

func newRunCmd() *cobra.Command {
	var configPath string
	var logLevel string

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the daemon in the foreground",
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(configPath, logLevel)
		},
	}
	cmd.Flags().StringVar(&configPath, "config", "/etc/parsec/parsec.yaml", "path to parsec.yaml")
	cmd.Flags().StringVar(&logLevel, "log-level", "info", "debug, info, warn, or error")
	return cmd
}

func run(configPath, logLevel string) error {
	log := utils.NewSlogLogger(utils.LogConfig{Level: logLevel})

	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading %s: %w", configPath, err)
	}

	backends, err := buildProviders(context.Background(), cfg, log)
	if err != nil {
		return fmt.Errorf("constructing providers: %w", err)
	}
	defer closeProviders(backends, log)

	disp := core.NewDispatcher(backends)
	mtr := metrics.NewRegistry(prometheus.DefaultRegisterer)
	for id, p := range backends {
		mtr.SetProviderUp(id, true)
		if g, ok := p.(interface{ SetOnDegrade(func()) }); ok {
			id := id
			g.SetOnDegrade(func() { mtr.SetProviderUp(id, false) })
		}
	}

	srv := unixsock.New(
		unixsock.Config{SocketPath: cfg.SocketPath},
		disp,
		authenticator.NewUnixPeerAuthenticator(),
		mtr,
		log,
	)

	log.Info("parsecd starting", "socket", cfg.SocketPath, "providers", len(backends))
	return serveUntilSignal(srv, log)
}

// buildProviders constructs one backend per configured provider; each
// New runs its own startup reconciliation against its KIM.
func buildProviders(ctx context.Context, cfg *config.Config, log *slog.Logger) (map[provider.ID]provider.Provider, error) {
	backends := make(map[provider.ID]provider.Provider, len(cfg.Providers))
	for _, pc := range cfg.Providers {
		switch pc.Type {
		case config.ProviderTypeMbedCrypto:
			manager, err := kim.NewOnDiskManager(pc.MbedCrypto.KeyInfoManager, log)
			if err != nil {
				return nil, fmt.Errorf("mbed_crypto KIM: %w", err)
			}
			p, err := software.New(ctx, software.Config{}, manager, pc.MbedCrypto.KeyInfoManager, log.With("provider", "mbed-crypto"))
			if err != nil {
				return nil, fmt.Errorf("mbed_crypto provider: %w", err)
			}
			backends[provider.MbedCrypto] = p

		case config.ProviderTypePkcs11:
			manager, err := kim.NewOnDiskManager(pc.Pkcs11.KeyInfoManager, log)
			if err != nil {
				return nil, fmt.Errorf("pkcs11 KIM: %w", err)
			}
			p, err := pkcs11.New(ctx, pkcs11.Config{
				LibraryPath: pc.Pkcs11.LibraryPath,
				SlotNumber:  pc.Pkcs11.SlotNumber,
				UserPIN:     pc.Pkcs11.UserPIN,
			}, manager, pc.Pkcs11.KeyInfoManager, log.With("provider", "pkcs11"))
			if err != nil {
				return nil, fmt.Errorf("pkcs11 provider: %w", err)
			}
			backends[provider.Pkcs11] = p

		case config.ProviderTypeTpm:
			manager, err := kim.NewOnDiskManager(pc.Tpm.KeyInfoManager, log)
			if err != nil {
				return nil, fmt.Errorf("tpm KIM: %w", err)
			}
			p, err := tpm.New(ctx, tpm.Config{
				TCTI:               pc.Tpm.TCTI,
				OwnerHierarchyAuth: pc.Tpm.OwnerHierarchyAuth,
			}, manager, pc.Tpm.KeyInfoManager, log.With("provider", "tpm"))
			if err != nil {
				return nil, fmt.Errorf("tpm provider: %w", err)
			}
			backends[provider.Tpm] = p
		}
	}
	return backends, nil
}

func closeProviders(backends map[provider.ID]provider.Provider, log *slog.Logger) {
	for id, p := range backends {
		if closer, ok := p.(interface{ Close() error }); ok {
			if err := closer.Close(); err != nil {
				log.Warn("error closing provider", "provider", id, "error", err)
			}
			continue
		}
		if closer, ok := p.(interface{ Close() }); ok {
			closer.Close()
		}
	}
}

func serveUntilSignal(srv *unixsock.Server, log *slog.Logger) error {
	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)

	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()

	select {
	case err := <-errCh:
		return err
	case s := <-sig:
		log.Info("received signal, shutting down", "signal", s)
		return srv.Close()
	}
}
