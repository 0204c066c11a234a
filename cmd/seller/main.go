// Command seller runs the x402-gated demo market data server.
// Configuration comes from flags or SELLER_* environment variables.
package main

import (
	"context"
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

	"github.com/andrewreder/agent-economy/seller"
	"github.com/andrewreder/agent-economy/x402"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:          "seller",
		Short:        "x402-gated market data server",
		SilenceUsage: true,
		RunE:         runServer,
	}

	flags := root.Flags()
	flags.String("listen", ":8080", "listen address")
	flags.String("base-url", "http://localhost:8080", "base URL advertised in challenges")
	flags.String("pay-to", "", "address that receives payments (required)")
	flags.String("network", x402.NetworkBaseSepolia, "CAIP-2 payment network")
	flags.String("price", "10000", "price per request in atomic units")
	flags.Bool("allow-simulated", false, "accept simulated pseudo-signatures (demo only)")
	flags.Int64("sim-seed", 0, "market simulator seed, 0 for time-based")
	flags.String("log-level", "info", "zerolog level")

	viper.SetEnvPrefix("SELLER")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
	cobra.CheckErr(viper.BindPFlags(flags))

	return root
}

func runServer(cmd *cobra.Command, args []string) error {
	level, err := zerolog.ParseLevel(viper.GetString("log-level"))
	if err != nil {
		level = zerolog.InfoLevel
	}
	logger := zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.Kitchen}).
		Level(level).
		With().Timestamp().Str("component", "seller").Logger()

	price, ok := new(big.Int).SetString(viper.GetString("price"), 10)
	if !ok {
		return fmt.Errorf("price %q is not a decimal integer", viper.GetString("price"))
	}

	srv, err := seller.New(seller.Config{
		BaseURL:        viper.GetString("base-url"),
		PayTo:          viper.GetString("pay-to"),
		Network:        viper.GetString("network"),
		Price:          price,
		AllowSimulated: viper.GetBool("allow-simulated"),
		SimulatorSeed:  viper.GetInt64("sim-seed"),
		Logger:         logger,
	})
	if err != nil {
		return err
	}

	httpServer := &http.Server{
		Addr:              viper.GetString("listen"),
		Handler:           srv.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	errCh := make(chan error, 1)
	go func() {
		logger.Info().
			Str("listen", httpServer.Addr).
			Str("network", viper.GetString("network")).
			Str("price", price.String()).
			Bool("allow_simulated", viper.GetBool("allow-simulated")).
			Msg("seller listening")
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
	logger.Info().Msg("seller shutting down")
	return httpServer.Shutdown(shutdownCtx)
}
