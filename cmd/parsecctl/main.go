// Command parsecctl is a thin client over the lib/wire codec: it dials
// the daemon's Unix domain socket directly, encodes one request, and
// decodes the matching response. The "keys list" subcommand instead
// inspects a KIM directory on disk, since the wire protocol has no key
// introspection opcode.
package main

import (
	"fmt"
	"net"
	"os"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"github.com/SilvaMatteus/parsec/lib/config"
	"github.com/SilvaMatteus/parsec/lib/kim"
	"github.com/SilvaMatteus/parsec/lib/provider"
	"github.com/SilvaMatteus/parsec/lib/wire"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var socketPath string
	var configPath string

	root := &cobra.Command{
		Use:   "parsecctl",
		Short: "parsecctl talks to a running parsecd over its Unix domain socket",
	}
	root.PersistentFlags().StringVar(&socketPath, "socket", "/run/parsec/parsec.sock", "daemon socket path")
	root.PersistentFlags().StringVar(&configPath, "config", "", "path to parsec.yaml (only needed by 'keys list')")

	root.AddCommand(newPingCmd(&socketPath))
	root.AddCommand(newProvidersCmd(&socketPath))
	root.AddCommand(newOpcodesCmd(&socketPath))
	root.AddCommand(newKeysCmd(&configPath))
	return root
}

func dial(socketPath string) (net.Conn, error) {
	return net.DialTimeout("unix", socketPath, 5*time.Second)
}

// roundTrip writes req and reads back a single response.
func roundTrip(socketPath string, req wire.Request) (wire.Response, error) {
	conn, err := dial(socketPath)
	if err != nil {
		return wire.Response{}, fmt.Errorf("dialing %s: %w", socketPath, err)
	}
	defer conn.Close()

	if err := wire.WriteRequest(conn, req); err != nil {
		return wire.Response{}, fmt.Errorf("writing request: %w", err)
	}
	resp, err := wire.ReadResponse(conn)
	if err != nil {
		return wire.Response{}, fmt.Errorf("reading response: %w", err)
	}
	return resp, nil
}

func newPingCmd(socketPath *string) *cobra.Command {
	var providerName string
	cmd := &cobra.Command{
		Use:   "ping",
		Short: "Ping a provider through the daemon",
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseProviderID(providerName)
			if err != nil {
				return err
			}
			resp, err := roundTrip(*socketPath, wire.Request{ProviderID: id, Opcode: provider.Ping})
			if err != nil {
				return err
			}
			fmt.Println(resp.Status)
			if resp.Status != provider.Success {
				return fmt.Errorf("ping failed: %s", resp.Status)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&providerName, "provider", "core", "provider to ping: core, mbed_crypto, pkcs11, tpm")
	return cmd
}

func newProvidersCmd(socketPath *string) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "providers",
		Short: "List registered providers",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List every provider the daemon has registered",
		RunE: func(cmd *cobra.Command, args []string) error {
			resp, err := roundTrip(*socketPath, wire.Request{ProviderID: provider.Core, Opcode: provider.ListProviders})
			if err != nil {
				return err
			}
			if resp.Status != provider.Success {
				return fmt.Errorf("list-providers failed: %s", resp.Status)
			}
			infos, err := wire.DecodeListProvidersResult(resp.Payload)
			if err != nil {
				return err
			}
			for _, info := range infos {
				fmt.Printf("%s\t%s\t%s (%s, %s)\n", info.ID, info.UUID, info.Description, info.Vendor, info.Version)
			}
			return nil
		},
	})
	return cmd
}

func newOpcodesCmd(socketPath *string) *cobra.Command {
	var providerName string
	cmd := &cobra.Command{
		Use:   "opcodes",
		Short: "List opcodes a provider supports",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List the opcodes supported by one provider",
		RunE: func(cmd *cobra.Command, args []string) error {
			target, err := parseProviderID(providerName)
			if err != nil {
				return err
			}
			resp, err := roundTrip(*socketPath, wire.Request{
				ProviderID: provider.Core,
				Opcode:     provider.ListOpcodes,
				Payload:    wire.EncodeListOpcodesOperation(target),
			})
			if err != nil {
				return err
			}
			if resp.Status != provider.Success {
				return fmt.Errorf("list-opcodes failed: %s", resp.Status)
			}
			ops, err := wire.DecodeListOpcodesResult(resp.Payload)
			if err != nil {
				return err
			}
			for _, op := range ops {
				fmt.Println(op)
			}
			return nil
		},
	})
	cmd.PersistentFlags().StringVar(&providerName, "provider", "core", "provider whose opcodes to list")
	return cmd
}

// newKeysCmd reads a KIM directory directly rather than going over the
// wire, since the opcode table has no introspection entry. Useful for
// checking what survived a restart's reconciliation pass.
func newKeysCmd(configPath *string) *cobra.Command {
	var providerName string
	cmd := &cobra.Command{
		Use:   "keys",
		Short: "Inspect a provider's KeyInfoManager directly on disk",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List every KeyTriple a provider's KIM currently holds",
		RunE: func(cmd *cobra.Command, args []string) error {
			if *configPath == "" {
				return fmt.Errorf("--config is required for 'keys list'")
			}
			id, err := parseProviderID(providerName)
			if err != nil {
				return err
			}
			cfg, err := config.Load(*configPath)
			if err != nil {
				return fmt.Errorf("loading %s: %w", *configPath, err)
			}
			kimRoot, err := kimRootFor(cfg, id)
			if err != nil {
				return err
			}
			manager, err := kim.NewOnDiskManager(kimRoot, nil)
			if err != nil {
				return fmt.Errorf("opening KIM at %s: %w", kimRoot, err)
			}
			triples, err := manager.GetAll(id)
			if err != nil {
				return fmt.Errorf("listing keys: %w", err)
			}
			for _, t := range triples {
				fmt.Println(t.String())
			}
			return nil
		},
	})
	cmd.PersistentFlags().StringVar(&providerName, "provider", "mbed_crypto", "provider whose KIM to inspect")
	return cmd
}

func kimRootFor(cfg *config.Config, id provider.ID) (string, error) {
	for _, pc := range cfg.Providers {
		if pc.ID != id {
			continue
		}
		switch id {
		case provider.MbedCrypto:
			return pc.MbedCrypto.KeyInfoManager, nil
		case provider.Pkcs11:
			return pc.Pkcs11.KeyInfoManager, nil
		case provider.Tpm:
			return pc.Tpm.KeyInfoManager, nil
		}
	}
	return "", fmt.Errorf("no provider %s in the loaded configuration", id)
}

func parseProviderID(name string) (provider.ID, error) {
	switch name {
	case "core":
		return provider.Core, nil
	case "mbed_crypto":
		return provider.MbedCrypto, nil
	case "pkcs11":
		return provider.Pkcs11, nil
	case "tpm":
		return provider.Tpm, nil
	default:
		if n, err := strconv.ParseUint(name, 0, 8); err == nil {
			return provider.ID(n), nil
		}
		return 0, fmt.Errorf("unknown provider %q: want core, mbed_crypto, pkcs11, tpm", name)
	}
}
