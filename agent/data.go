package agent

import (
	"encoding/json"
	"fmt"
	"math/rand"
	"sync"
	"time"
)

// MarketSnapshot is one normalized market observation for a token.
type MarketSnapshot struct {
	Token      string    `json:"token"`
	PriceUSD   float64   `json:"price_usd"`
	Change24h  float64   `json:"change_24h"`
	Volume24h  float64   `json:"volume_24h"`
	Volatility float64   `json:"volatility"`
	FearGreed  int       `json:"fear_greed"`
	Timestamp  time.Time `json:"timestamp"`
}

// ParseSnapshot decodes a market data payload from a data endpoint.
func ParseSnapshot(raw []byte) (*MarketSnapshot, error) {
	var snap MarketSnapshot
	if err := json.Unmarshal(raw, &snap); err != nil {
		return nil, fmt.Errorf("parse market payload: %w", err)
	}
	if snap.Token == "" {
		return nil, fmt.Errorf("market payload missing token")
	}
	if snap.PriceUSD <= 0 {
		return nil, fmt.Errorf("market payload has non-positive price %f", snap.PriceUSD)
	}
	if snap.Timestamp.IsZero() {
		snap.Timestamp = time.Now().UTC()
	}
	return &snap, nil
}

// basePrices anchors the simulated market around plausible levels.
var basePrices = map[string]float64{
	"bitcoin":  95000,
	"ethereum": 2650,
	"solana":   180,
}

// Simulator generates plausible market data for offline demo runs. A
// fixed seed gives a reproducible price path.
type Simulator struct {
	mu  sync.Mutex
	rng *rand.Rand
	// last observed price per token, so the path drifts instead of
	// jumping around the anchor on every call
	last map[string]float64
}

// NewSimulator builds a price path generator.
func NewSimulator(seed int64) *Simulator {
	return &Simulator{
		rng:  rand.New(rand.NewSource(seed)),
		last: make(map[string]float64),
	}
}

// Snapshot produces the next simulated observation for a token.
func (s *Simulator) Snapshot(token string) *MarketSnapshot {
	s.mu.Lock()
	defer s.mu.Unlock()

	price, ok := s.last[token]
	if !ok {
		price = basePrices[token]
		if price == 0 {
			price = 100
		}
	}

	// Random walk: up to +-2.5% per step.
	drift := (s.rng.Float64() - 0.5) * 0.05
	price *= 1 + drift
	s.last[token] = price

	return &MarketSnapshot{
		Token:      token,
		PriceUSD:   price,
		Change24h:  (s.rng.Float64() - 0.5) * 16, // -8%..+8%
		Volume24h:  price * (1e6 + s.rng.Float64()*9e6),
		Volatility: s.rng.Float64() * 8,
		FearGreed:  s.rng.Intn(101),
		Timestamp:  time.Now().UTC(),
	}
}
