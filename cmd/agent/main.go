// Command agent runs the market monitoring agent: it pays x402
// challenges for market data, remembers observations and payments, and
// applies threshold rules. Configuration comes from flags or AGENT_*
// environment variables.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/andrewreder/agent-economy/agent"
	mcpserver "github.com/andrewreder/agent-economy/mcp"
	"github.com/andrewreder/agent-economy/memory"
	"github.com/andrewreder/agent-economy/x402"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "agent",
		Short:         "x402 market monitoring agent",
		SilenceUsage:  true,
		SilenceErrors: false,
	}

	flags := root.PersistentFlags()
	flags.String("name", "market-watcher", "agent name in the registry")
	flags.String("data-url", "http://localhost:8080", "base URL of the x402-gated market data server")
	flags.String("mode", "simulated", "signing mode: simulated or live")
	flags.String("private-key", "", "hex payer key for live mode (prefer AGENT_PRIVATE_KEY)")
	flags.String("network", x402.NetworkBaseSepolia, "CAIP-2 payment network")
	flags.String("max-amount", "50000", "per-request spend ceiling in atomic units, 0 for none")
	flags.String("facilitator-url", "", "facilitator base URL for settlement verification")
	flags.Bool("verify-settlement", false, "confirm settlements with the facilitator")
	flags.String("db-dsn", "", "MySQL DSN for agent memory, empty to run memory-less")
	flags.String("log-level", "info", "zerolog level")

	viper.SetEnvPrefix("AGENT")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
	cobra.CheckErr(viper.BindPFlags(flags))

	root.AddCommand(newRunCmd(), newFetchCmd(), newWalletCmd(), newDashboardCmd(), newServeCmd())
	return root
}

func newLogger() zerolog.Logger {
	level, err := zerolog.ParseLevel(viper.GetString("log-level"))
	if err != nil {
		level = zerolog.InfoLevel
	}
	return zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.Kitchen}).
		Level(level).
		With().Timestamp().Logger()
}

func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}

func buildClient(logger zerolog.Logger, recorder x402.Recorder) (*x402.Client, error) {
	cfg := x402.Config{
		Mode:             x402.Mode(viper.GetString("mode")),
		PrivateKey:       viper.GetString("private-key"),
		Network:          viper.GetString("network"),
		FacilitatorURL:   viper.GetString("facilitator-url"),
		VerifySettlement: viper.GetBool("verify-settlement"),
		Logger:           &logger,
		Recorder:         recorder,
	}
	if raw := viper.GetString("max-amount"); raw != "" && raw != "0" {
		ceiling, ok := new(big.Int).SetString(raw, 10)
		if !ok {
			return nil, fmt.Errorf("max-amount %q is not a decimal integer", raw)
		}
		cfg.MaxAmountPerRequest = ceiling
	}
	return x402.NewClient(cfg)
}

func openMemory(ctx context.Context, logger zerolog.Logger) (*memory.Store, error) {
	dsn := viper.GetString("db-dsn")
	if dsn == "" {
		return nil, nil
	}
	return memory.Open(ctx, dsn, logger)
}

// buildAgent assembles the client, memory, and agent. The returned
// cleanup closes both.
func buildAgent(ctx context.Context, logger zerolog.Logger) (*agent.Agent, *memory.Store, func(), error) {
	store, err := openMemory(ctx, logger)
	if err != nil {
		return nil, nil, nil, err
	}

	var recorder x402.Recorder
	var agentMemory agent.Memory
	if store != nil {
		recorder = store
		agentMemory = store
	}

	client, err := buildClient(logger, recorder)
	if err != nil {
		if store != nil {
			store.Close()
		}
		return nil, nil, nil, err
	}

	a, err := agent.New(client, agent.Config{
		Name:    viper.GetString("name"),
		DataURL: viper.GetString("data-url"),
		Memory:  agentMemory,
		Logger:  logger,
	})
	if err != nil {
		client.Close()
		if store != nil {
			store.Close()
		}
		return nil, nil, nil, err
	}

	cleanup := func() {
		client.Close()
		if store != nil {
			store.Close()
		}
	}
	return a, store, cleanup, nil
}

func newRunCmd() *cobra.Command {
	var tokens []string
	var cycles int
	var interval time.Duration

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run pay/remember/analyze cycles",
		RunE: func(cmd *cobra.Command, args []string) error {
			logger := newLogger()
			ctx, cancel := signalContext()
			defer cancel()

			a, _, cleanup, err := buildAgent(ctx, logger)
			if err != nil {
				return err
			}
			defer cleanup()

			logger.Info().
				Str("payer", a.WalletStatus().Address).
				Str("mode", string(a.WalletStatus().Mode)).
				Strs("tokens", tokens).
				Msg("agent starting")

			for cycle := 1; cycles == 0 || cycle <= cycles; cycle++ {
				logger.Info().Int("cycle", cycle).Msg("cycle starting")
				if _, err := a.RunCycle(ctx, tokens); err != nil {
					if ctx.Err() != nil {
						logger.Info().Msg("agent stopping")
						return nil
					}
					logger.Error().Err(err).Int("cycle", cycle).Msg("cycle failed")
				}
				if cycles != 0 && cycle == cycles {
					break
				}
				select {
				case <-time.After(interval):
				case <-ctx.Done():
					logger.Info().Msg("agent stopping")
					return nil
				}
			}

			status := a.WalletStatus()
			logger.Info().
				Int("payments", status.PaymentCount).
				Str("total_spent", x402.FormatAmount(status.TotalSpent, 6)).
				Msg("agent done")
			return nil
		},
	}

	cmd.Flags().StringSliceVar(&tokens, "tokens", []string{"bitcoin", "ethereum", "solana"}, "tokens to monitor")
	cmd.Flags().IntVar(&cycles, "cycles", 3, "number of cycles, 0 to run until interrupted")
	cmd.Flags().DurationVar(&interval, "interval", 10*time.Second, "pause between cycles")
	return cmd
}

func newFetchCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "fetch <token>",
		Short: "Pay for and print one market snapshot",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			logger := newLogger()
			ctx, cancel := signalContext()
			defer cancel()

			a, _, cleanup, err := buildAgent(ctx, logger)
			if err != nil {
				return err
			}
			defer cleanup()

			snap, err := a.FetchMarket(ctx, args[0])
			if err != nil {
				return err
			}
			for _, d := range a.Analyze(snap) {
				logger.Info().Str("action", d.Action).Float64("confidence", d.Confidence).Msg(d.Reasoning)
			}
			return printJSON(cmd, snap)
		},
	}
}

func newWalletCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "wallet",
		Short: "Print the session wallet status",
		RunE: func(cmd *cobra.Command, args []string) error {
			logger := newLogger()
			client, err := buildClient(logger, nil)
			if err != nil {
				return err
			}
			defer client.Close()

			status := client.WalletStatus()
			return printJSON(cmd, map[string]any{
				"address":       status.Address,
				"network":       status.Network,
				"mode":          status.Mode,
				"balance":       x402.FormatAmount(status.Balance, 6),
				"total_spent":   x402.FormatAmount(status.TotalSpent, 6),
				"payment_count": status.PaymentCount,
			})
		},
	}
}

func newDashboardCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "dashboard",
		Short: "Print agents, spending, and recent decisions from memory",
		RunE: func(cmd *cobra.Command, args []string) error {
			logger := newLogger()
			ctx, cancel := signalContext()
			defer cancel()

			store, err := openMemory(ctx, logger)
			if err != nil {
				return err
			}
			if store == nil {
				return fmt.Errorf("dashboard needs --db-dsn (or AGENT_DB_DSN)")
			}
			defer store.Close()

			dash, err := store.Dashboard(ctx)
			if err != nil {
				return err
			}
			return printJSON(cmd, dash)
		},
	}
}

func newServeCmd() *cobra.Command {
	var listen string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Expose the agent's tools over MCP streamable HTTP",
		RunE: func(cmd *cobra.Command, args []string) error {
			logger := newLogger()
			ctx, cancel := signalContext()
			defer cancel()

			a, store, cleanup, err := buildAgent(ctx, logger)
			if err != nil {
				return err
			}
			defer cleanup()

			var reader mcpserver.MemoryReader
			if store != nil {
				reader = store
			}
			srv := mcpserver.NewServer(a, reader, logger)

			httpServer := &http.Server{
				Addr:              listen,
				Handler:           srv.Handler(),
				ReadHeaderTimeout: 10 * time.Second,
			}

			errCh := make(chan error, 1)
			go func() {
				logger.Info().
					Str("listen", listen).
					Str("payer", a.WalletStatus().Address).
					Msg("mcp server listening")
				errCh <- httpServer.ListenAndServe()
			}()

			select {
			case err := <-errCh:
				if errors.Is(err, http.ErrServerClosed) {
					return nil
				}
				return err
			case <-ctx.Done():
			}

			shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer shutdownCancel()
			logger.Info().Msg("mcp server shutting down")
			return httpServer.Shutdown(shutdownCtx)
		},
	}

	cmd.Flags().StringVar(&listen, "listen", ":8090", "MCP listen address")
	return cmd
}

func printJSON(cmd *cobra.Command, v any) error {
	out, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	fmt.Fprintln(cmd.OutOrStdout(), string(out))
	return nil
}
