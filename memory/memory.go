// Package memory persists what the agent learns and spends: market data
// history, the payment audit trail, strategy decisions, and per-agent
// spending state. Backed by MySQL (or TiDB, which speaks the same
// protocol).
package memory

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/go-sql-driver/mysql"
	"github.com/rs/zerolog"

	"github.com/andrewreder/agent-economy/x402"
)

// Store is the agent's persistent memory. Safe for concurrent use; all
// serialization is delegated to the database.
type Store struct {
	db     *sql.DB
	logger zerolog.Logger
}

// Open connects to the database and creates the schema if it is missing.
// The DSN is a go-sql-driver DSN, e.g.
// "agent:secret@tcp(127.0.0.1:4000)/agent_economy?parseTime=true".
func Open(ctx context.Context, dsn string, logger zerolog.Logger) (*Store, error) {
	db, err := sql.Open("mysql", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	store := &Store{db: db, logger: logger}
	if err := store.initSchema(ctx); err != nil {
		db.Close()
		return nil, err
	}
	logger.Info().Msg("agent memory ready")
	return store, nil
}

// Close releases the connection pool.
func (s *Store) Close() error {
	return s.db.Close()
}

var schema = []string{
	`CREATE TABLE IF NOT EXISTS market_data (
		id BIGINT AUTO_INCREMENT PRIMARY KEY,
		token VARCHAR(64) NOT NULL,
		price_usd DECIMAL(20,8) NOT NULL,
		change_24h DECIMAL(10,4) NOT NULL DEFAULT 0,
		volume_24h DECIMAL(24,2) NOT NULL DEFAULT 0,
		volatility DECIMAL(10,4) NOT NULL DEFAULT 0,
		fear_greed INT NOT NULL DEFAULT 50,
		fetched_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
		INDEX idx_token_time (token, fetched_at)
	)`,
	`CREATE TABLE IF NOT EXISTS payment_log (
		id VARCHAR(36) PRIMARY KEY,
		endpoint VARCHAR(512) NOT NULL,
		network VARCHAR(32) NOT NULL DEFAULT '',
		amount VARCHAR(78) NOT NULL DEFAULT '',
		asset VARCHAR(42) NOT NULL DEFAULT '',
		payer VARCHAR(42) NOT NULL DEFAULT '',
		payee VARCHAR(42) NOT NULL DEFAULT '',
		nonce VARCHAR(66) NOT NULL DEFAULT '',
		signing_mode VARCHAR(16) NOT NULL,
		paid BOOLEAN NOT NULL DEFAULT FALSE,
		resource_fetched BOOLEAN NOT NULL DEFAULT FALSE,
		tx_hash VARCHAR(66) NOT NULL DEFAULT '',
		failure_reason TEXT,
		created_at TIMESTAMP NOT NULL,
		INDEX idx_payment_time (created_at)
	)`,
	`CREATE TABLE IF NOT EXISTS strategy_log (
		id BIGINT AUTO_INCREMENT PRIMARY KEY,
		agent VARCHAR(64) NOT NULL,
		token VARCHAR(64) NOT NULL,
		action VARCHAR(32) NOT NULL,
		reasoning TEXT,
		confidence DECIMAL(5,4) NOT NULL DEFAULT 0,
		created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
		INDEX idx_strategy_agent (agent, created_at)
	)`,
	`CREATE TABLE IF NOT EXISTS agent_state (
		name VARCHAR(64) PRIMARY KEY,
		address VARCHAR(42) NOT NULL,
		signing_mode VARCHAR(16) NOT NULL,
		total_spent VARCHAR(78) NOT NULL DEFAULT '0',
		payment_count INT NOT NULL DEFAULT 0,
		updated_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP ON UPDATE CURRENT_TIMESTAMP
	)`,
}

func (s *Store) initSchema(ctx context.Context) error {
	for _, stmt := range schema {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("create schema: %w", err)
		}
	}
	return nil
}

// MarketRecord is one observed market data point for a token.
type MarketRecord struct {
	Token      string    `json:"token"`
	PriceUSD   float64   `json:"price_usd"`
	Change24h  float64   `json:"change_24h"`
	Volume24h  float64   `json:"volume_24h"`
	Volatility float64   `json:"volatility"`
	FearGreed  int       `json:"fear_greed"`
	FetchedAt  time.Time `json:"fetched_at"`
}

// StoreMarketData appends one market observation.
func (s *Store) StoreMarketData(ctx context.Context, rec MarketRecord) error {
	if rec.FetchedAt.IsZero() {
		rec.FetchedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO market_data (token, price_usd, change_24h, volume_24h, volatility, fear_greed, fetched_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		rec.Token, rec.PriceUSD, rec.Change24h, rec.Volume24h, rec.Volatility, rec.FearGreed, rec.FetchedAt)
	if err != nil {
		return fmt.Errorf("store market data: %w", err)
	}
	return nil
}

// PriceHistory returns the most recent observations for a token, newest
// first.
func (s *Store) PriceHistory(ctx context.Context, token string, limit int) ([]MarketRecord, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT token, price_usd, change_24h, volume_24h, volatility, fear_greed, fetched_at
		 FROM market_data WHERE token = ? ORDER BY fetched_at DESC LIMIT ?`,
		token, limit)
	if err != nil {
		return nil, fmt.Errorf("query price history: %w", err)
	}
	defer rows.Close()

	var records []MarketRecord
	for rows.Next() {
		var rec MarketRecord
		if err := rows.Scan(&rec.Token, &rec.PriceUSD, &rec.Change24h, &rec.Volume24h,
			&rec.Volatility, &rec.FearGreed, &rec.FetchedAt); err != nil {
			return nil, fmt.Errorf("scan market data: %w", err)
		}
		records = append(records, rec)
	}
	return records, rows.Err()
}

// RecordPayment persists one fetch receipt. Implements x402.Recorder.
func (s *Store) RecordPayment(receipt x402.Receipt) error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO payment_log
		 (id, endpoint, network, amount, asset, payer, payee, nonce, signing_mode,
		  paid, resource_fetched, tx_hash, failure_reason, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		receipt.ID, receipt.Endpoint, receipt.Network, receipt.Amount, receipt.Asset,
		receipt.Payer, receipt.Payee, receipt.Nonce, string(receipt.SigningMode),
		receipt.Paid, receipt.ResourceFetched, receipt.Transaction, receipt.FailureReason,
		receipt.Timestamp)
	if err != nil {
		return fmt.Errorf("record payment: %w", err)
	}
	return nil
}

// StrategyDecision is one analysis outcome from the agent.
type StrategyDecision struct {
	Agent      string    `json:"agent"`
	Token      string    `json:"token"`
	Action     string    `json:"action"`
	Reasoning  string    `json:"reasoning"`
	Confidence float64   `json:"confidence"`
	CreatedAt  time.Time `json:"created_at"`
}

// LogStrategy appends one strategy decision.
func (s *Store) LogStrategy(ctx context.Context, d StrategyDecision) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO strategy_log (agent, token, action, reasoning, confidence)
		 VALUES (?, ?, ?, ?, ?)`,
		d.Agent, d.Token, d.Action, d.Reasoning, d.Confidence)
	if err != nil {
		return fmt.Errorf("log strategy: %w", err)
	}
	return nil
}

// RecentDecisions returns the latest strategy decisions, newest first.
func (s *Store) RecentDecisions(ctx context.Context, limit int) ([]StrategyDecision, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT agent, token, action, COALESCE(reasoning, ''), confidence, created_at
		 FROM strategy_log ORDER BY created_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("query decisions: %w", err)
	}
	defer rows.Close()

	var decisions []StrategyDecision
	for rows.Next() {
		var d StrategyDecision
		if err := rows.Scan(&d.Agent, &d.Token, &d.Action, &d.Reasoning, &d.Confidence, &d.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan decision: %w", err)
		}
		decisions = append(decisions, d)
	}
	return decisions, rows.Err()
}

// AgentState is the registry row for one agent identity.
type AgentState struct {
	Name         string    `json:"name"`
	Address      string    `json:"address"`
	SigningMode  string    `json:"signing_mode"`
	TotalSpent   string    `json:"total_spent"`
	PaymentCount int       `json:"payment_count"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// RegisterAgent upserts the agent's identity row.
func (s *Store) RegisterAgent(ctx context.Context, name, address string, mode x402.Mode) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO agent_state (name, address, signing_mode)
		 VALUES (?, ?, ?)
		 ON DUPLICATE KEY UPDATE address = VALUES(address), signing_mode = VALUES(signing_mode)`,
		name, address, string(mode))
	if err != nil {
		return fmt.Errorf("register agent: %w", err)
	}
	return nil
}

// UpdateAgentSpending overwrites the agent's spend tallies with the
// session's current totals.
func (s *Store) UpdateAgentSpending(ctx context.Context, name string, totalSpent string, paymentCount int) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE agent_state SET total_spent = ?, payment_count = ? WHERE name = ?`,
		totalSpent, paymentCount, name)
	if err != nil {
		return fmt.Errorf("update agent spending: %w", err)
	}
	return nil
}

// AgentByName loads one agent registry row.
func (s *Store) AgentByName(ctx context.Context, name string) (*AgentState, error) {
	var state AgentState
	err := s.db.QueryRowContext(ctx,
		`SELECT name, address, signing_mode, total_spent, payment_count, updated_at
		 FROM agent_state WHERE name = ?`, name).
		Scan(&state.Name, &state.Address, &state.SigningMode, &state.TotalSpent,
			&state.PaymentCount, &state.UpdatedAt)
	if err != nil {
		return nil, fmt.Errorf("load agent %s: %w", name, err)
	}
	return &state, nil
}

// EndpointSpend aggregates successful payments per endpoint.
type EndpointSpend struct {
	Endpoint string `json:"endpoint"`
	Payments int    `json:"payments"`
}

// SpendingSummary aggregates the payment log.
type SpendingSummary struct {
	TotalPayments int             `json:"total_payments"`
	Failed        int             `json:"failed"`
	ByEndpoint    []EndpointSpend `json:"by_endpoint"`
}

// Spending summarizes the payment audit trail.
func (s *Store) Spending(ctx context.Context) (*SpendingSummary, error) {
	summary := &SpendingSummary{}
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(IF(paid, 1, NULL)), COUNT(IF(failure_reason IS NOT NULL AND failure_reason <> '', 1, NULL))
		 FROM payment_log`).
		Scan(&summary.TotalPayments, &summary.Failed)
	if err != nil {
		return nil, fmt.Errorf("query spending totals: %w", err)
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT endpoint, COUNT(*) FROM payment_log WHERE paid GROUP BY endpoint ORDER BY COUNT(*) DESC`)
	if err != nil {
		return nil, fmt.Errorf("query spending by endpoint: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var e EndpointSpend
		if err := rows.Scan(&e.Endpoint, &e.Payments); err != nil {
			return nil, fmt.Errorf("scan endpoint spend: %w", err)
		}
		summary.ByEndpoint = append(summary.ByEndpoint, e)
	}
	return summary, rows.Err()
}

// Dashboard is a cross-table snapshot for operators.
type Dashboard struct {
	Agents    []AgentState       `json:"agents"`
	Spending  *SpendingSummary   `json:"spending"`
	Decisions []StrategyDecision `json:"decisions"`
}

// Dashboard assembles the operator snapshot.
func (s *Store) Dashboard(ctx context.Context) (*Dashboard, error) {
	spending, err := s.Spending(ctx)
	if err != nil {
		return nil, err
	}
	decisions, err := s.RecentDecisions(ctx, 10)
	if err != nil {
		return nil, err
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT name, address, signing_mode, total_spent, payment_count, updated_at FROM agent_state`)
	if err != nil {
		return nil, fmt.Errorf("query agents: %w", err)
	}
	defer rows.Close()

	dash := &Dashboard{Spending: spending, Decisions: decisions}
	for rows.Next() {
		var state AgentState
		if err := rows.Scan(&state.Name, &state.Address, &state.SigningMode,
			&state.TotalSpent, &state.PaymentCount, &state.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan agent: %w", err)
		}
		dash.Agents = append(dash.Agents, state)
	}
	return dash, rows.Err()
}
