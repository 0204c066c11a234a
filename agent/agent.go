// Package agent implements a market monitoring agent that pays for data
// through the x402 client, remembers what it saw, and applies simple
// threshold rules to decide what to flag.
package agent

import (
	"context"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/andrewreder/agent-economy/memory"
	"github.com/andrewreder/agent-economy/x402"
)

// Thresholds are the rule bounds for analysis.
type Thresholds struct {
	// Volatility above this flags an alert, in percent.
	Volatility float64
	// Change24h magnitude above this suggests acting on the move.
	Change float64
	// FearGreed below FearLow or above GreedHigh flags sentiment extremes.
	FearLow   int
	GreedHigh int
}

// DefaultThresholds match a cautious market watcher.
var DefaultThresholds = Thresholds{
	Volatility: 4.0,
	Change:     3.0,
	FearLow:    25,
	GreedHigh:  75,
}

// Memory is the subset of the agent memory store the agent writes to.
type Memory interface {
	StoreMarketData(ctx context.Context, rec memory.MarketRecord) error
	LogStrategy(ctx context.Context, d memory.StrategyDecision) error
	RegisterAgent(ctx context.Context, name, address string, mode x402.Mode) error
	UpdateAgentSpending(ctx context.Context, name string, totalSpent string, paymentCount int) error
}

// Config wires an agent together.
type Config struct {
	// Name identifies the agent in the registry and strategy log.
	Name string
	// DataURL is the base URL of the x402-gated market data endpoint.
	DataURL string
	// Thresholds default to DefaultThresholds when zero.
	Thresholds Thresholds
	// Memory is optional; a nil memory agent still fetches and analyzes.
	Memory Memory
	Logger zerolog.Logger
}

// Agent pays for market data and turns it into strategy decisions.
type Agent struct {
	name       string
	client     *x402.Client
	dataURL    string
	thresholds Thresholds
	store      Memory
	logger     zerolog.Logger
}

// New builds an agent around an existing payment client. The client's
// lifecycle stays with the caller.
func New(client *x402.Client, cfg Config) (*Agent, error) {
	if cfg.Name == "" {
		cfg.Name = "market-watcher"
	}
	if cfg.DataURL == "" {
		return nil, fmt.Errorf("agent: data URL required")
	}
	if cfg.Thresholds == (Thresholds{}) {
		cfg.Thresholds = DefaultThresholds
	}

	agent := &Agent{
		name:       cfg.Name,
		client:     client,
		dataURL:    strings.TrimSuffix(cfg.DataURL, "/"),
		thresholds: cfg.Thresholds,
		store:      cfg.Memory,
		logger:     cfg.Logger.With().Str("agent", cfg.Name).Logger(),
	}

	if agent.store != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := agent.store.RegisterAgent(ctx, agent.name, client.Address(), client.Mode()); err != nil {
			return nil, fmt.Errorf("register agent: %w", err)
		}
	}
	return agent, nil
}

// Name returns the agent's registry name.
func (a *Agent) Name() string { return a.name }

// FetchMarket pays for and returns one market snapshot for a token.
func (a *Agent) FetchMarket(ctx context.Context, token string) (*MarketSnapshot, error) {
	endpoint := fmt.Sprintf("%s/market/%s", a.dataURL, token)
	result, err := a.client.Fetch(ctx, endpoint)
	if err != nil {
		return nil, fmt.Errorf("fetch market data for %s: %w", token, err)
	}

	snap, err := ParseSnapshot(result.Body)
	if err != nil {
		return nil, err
	}

	a.logger.Info().
		Str("token", token).
		Float64("price_usd", snap.PriceUSD).
		Bool("paid", result.Paid).
		Msg("market data fetched")

	if a.store != nil {
		if err := a.store.StoreMarketData(ctx, memory.MarketRecord{
			Token:      snap.Token,
			PriceUSD:   snap.PriceUSD,
			Change24h:  snap.Change24h,
			Volume24h:  snap.Volume24h,
			Volatility: snap.Volatility,
			FearGreed:  snap.FearGreed,
			FetchedAt:  snap.Timestamp,
		}); err != nil {
			a.logger.Warn().Err(err).Msg("market data not persisted")
		}
	}
	return snap, nil
}

// Analyze applies the threshold rules to one snapshot. A calm market
// yields a single hold decision.
func (a *Agent) Analyze(snap *MarketSnapshot) []memory.StrategyDecision {
	var decisions []memory.StrategyDecision
	add := func(action, reasoning string, confidence float64) {
		decisions = append(decisions, memory.StrategyDecision{
			Agent:      a.name,
			Token:      snap.Token,
			Action:     action,
			Reasoning:  reasoning,
			Confidence: confidence,
		})
	}

	if snap.Volatility > a.thresholds.Volatility {
		add("alert", fmt.Sprintf("volatility %.1f%% above %.1f%% threshold", snap.Volatility, a.thresholds.Volatility), 0.9)
	}
	if math.Abs(snap.Change24h) > a.thresholds.Change {
		if snap.Change24h < 0 {
			add("buy_dip", fmt.Sprintf("24h change %.1f%% below -%.1f%%", snap.Change24h, a.thresholds.Change), 0.7)
		} else {
			add("take_profit", fmt.Sprintf("24h change +%.1f%% above +%.1f%%", snap.Change24h, a.thresholds.Change), 0.7)
		}
	}
	if snap.FearGreed < a.thresholds.FearLow {
		add("accumulate", fmt.Sprintf("fear/greed %d signals extreme fear", snap.FearGreed), 0.6)
	} else if snap.FearGreed > a.thresholds.GreedHigh {
		add("reduce_exposure", fmt.Sprintf("fear/greed %d signals extreme greed", snap.FearGreed), 0.6)
	}
	if len(decisions) == 0 {
		add("hold", "no threshold crossed", 0.5)
	}
	return decisions
}

// RunCycle executes one pay, remember, analyze, act pass over the given
// tokens. Per-token failures are logged and skipped so one bad endpoint
// does not stall the cycle.
func (a *Agent) RunCycle(ctx context.Context, tokens []string) ([]memory.StrategyDecision, error) {
	var all []memory.StrategyDecision
	var failures int

	for _, token := range tokens {
		if err := ctx.Err(); err != nil {
			return all, err
		}

		snap, err := a.FetchMarket(ctx, token)
		if err != nil {
			failures++
			a.logger.Warn().Err(err).Str("token", token).Msg("cycle skipping token")
			continue
		}

		decisions := a.Analyze(snap)
		for _, d := range decisions {
			a.logger.Info().
				Str("token", d.Token).
				Str("action", d.Action).
				Float64("confidence", d.Confidence).
				Msg(d.Reasoning)
			if a.store != nil {
				if err := a.store.LogStrategy(ctx, d); err != nil {
					a.logger.Warn().Err(err).Msg("decision not persisted")
				}
			}
		}
		all = append(all, decisions...)
	}

	a.syncSpending(ctx)

	if failures == len(tokens) && len(tokens) > 0 {
		return all, fmt.Errorf("all %d tokens failed this cycle", failures)
	}
	return all, nil
}

// syncSpending mirrors the session wallet tallies into the registry.
func (a *Agent) syncSpending(ctx context.Context) {
	if a.store == nil {
		return
	}
	status := a.client.WalletStatus()
	if err := a.store.UpdateAgentSpending(ctx, a.name, status.TotalSpent.String(), status.PaymentCount); err != nil {
		a.logger.Warn().Err(err).Msg("spending not persisted")
	}
}

// WalletStatus exposes the underlying session's wallet snapshot.
func (a *Agent) WalletStatus() x402.WalletStatus {
	return a.client.WalletStatus()
}
