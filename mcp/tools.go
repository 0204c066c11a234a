package mcp

import (
	"context"
	"fmt"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/andrewreder/agent-economy/agent"
	"github.com/andrewreder/agent-economy/memory"
	"github.com/andrewreder/agent-economy/x402"
)

// usdcDecimals converts atomic USDC amounts for human-facing output.
const usdcDecimals = 6

func (s *Server) registerTools() {
	mcp.AddTool(s.mcpServer, &mcp.Tool{
		Name:        "get_market_data",
		Title:       "Get Market Data",
		Description: "Fetch current market data for a token. The agent pays the x402 challenge of the data endpoint when one is issued.",
	}, s.GetMarketData)

	mcp.AddTool(s.mcpServer, &mcp.Tool{
		Name:        "wallet_status",
		Title:       "Wallet Status",
		Description: "Report the agent's payer address, signing mode, balance and spend tallies for this session.",
	}, s.WalletStatus)

	mcp.AddTool(s.mcpServer, &mcp.Tool{
		Name:        "spending_summary",
		Title:       "Spending Summary",
		Description: "Summarize the persisted payment audit trail: successful payments, failures, and spend per endpoint.",
	}, s.SpendingSummary)

	mcp.AddTool(s.mcpServer, &mcp.Tool{
		Name:        "price_history",
		Title:       "Price History",
		Description: "Return recent remembered market observations for a token, newest first.",
	}, s.PriceHistory)

	mcp.AddTool(s.mcpServer, &mcp.Tool{
		Name:        "recent_decisions",
		Title:       "Recent Decisions",
		Description: "Return the agent's latest strategy decisions with reasoning and confidence.",
	}, s.RecentDecisions)
}

func errorResult(format string, args ...any) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		Content: []mcp.Content{
			&mcp.TextContent{Text: fmt.Sprintf(format, args...)},
		},
		IsError: true,
	}
}

// GetMarketDataParams defines parameters for the get_market_data tool.
type GetMarketDataParams struct {
	// Token is the token identifier, e.g. "bitcoin".
	Token string `json:"token" jsonschema:"Token identifier to fetch market data for,required"`
}

// GetMarketData fetches (and pays for) one market snapshot.
// Exported for testing.
func (s *Server) GetMarketData(
	ctx context.Context,
	req *mcp.CallToolRequest,
	params *GetMarketDataParams,
) (*mcp.CallToolResult, *agent.MarketSnapshot, error) {
	if params.Token == "" {
		return errorResult("Error: 'token' parameter is required."), nil, nil
	}

	snap, err := s.agent.FetchMarket(ctx, params.Token)
	if err != nil {
		s.logger.Warn().Err(err).Str("token", params.Token).Msg("tool fetch failed")
		return errorResult("Error: fetching %s failed: %v", params.Token, err), nil, nil
	}
	return nil, snap, nil
}

// WalletStatusParams defines parameters for the wallet_status tool.
type WalletStatusParams struct{}

// WalletStatusOutput is the structured wallet snapshot.
type WalletStatusOutput struct {
	Address      string `json:"address"`
	Network      string `json:"network"`
	SigningMode  string `json:"signingMode"`
	Balance      string `json:"balance"`
	TotalSpent   string `json:"totalSpent"`
	PaymentCount int    `json:"paymentCount"`
}

// WalletStatus reports the session wallet. Exported for testing.
func (s *Server) WalletStatus(
	ctx context.Context,
	req *mcp.CallToolRequest,
	params *WalletStatusParams,
) (*mcp.CallToolResult, WalletStatusOutput, error) {
	status := s.agent.WalletStatus()
	return nil, WalletStatusOutput{
		Address:      status.Address,
		Network:      status.Network,
		SigningMode:  string(status.Mode),
		Balance:      x402.FormatAmount(status.Balance, usdcDecimals),
		TotalSpent:   x402.FormatAmount(status.TotalSpent, usdcDecimals),
		PaymentCount: status.PaymentCount,
	}, nil
}

// SpendingSummaryParams defines parameters for the spending_summary tool.
type SpendingSummaryParams struct{}

// SpendingSummary reads the persisted audit trail. Exported for testing.
func (s *Server) SpendingSummary(
	ctx context.Context,
	req *mcp.CallToolRequest,
	params *SpendingSummaryParams,
) (*mcp.CallToolResult, *memory.SpendingSummary, error) {
	if s.store == nil {
		return errorResult("Error: no agent memory attached."), nil, nil
	}
	summary, err := s.store.Spending(ctx)
	if err != nil {
		return errorResult("Error: reading spending summary: %v", err), nil, nil
	}
	return nil, summary, nil
}

// PriceHistoryParams defines parameters for the price_history tool.
type PriceHistoryParams struct {
	// Token is the token identifier, e.g. "bitcoin".
	Token string `json:"token"           jsonschema:"Token identifier,required"`
	// Limit caps the number of observations returned.
	Limit int `json:"limit,omitempty" jsonschema:"Maximum observations to return"`
}

// PriceHistoryOutput wraps the remembered observations.
type PriceHistoryOutput struct {
	Token   string                `json:"token"`
	Records []memory.MarketRecord `json:"records"`
}

// PriceHistory reads remembered observations. Exported for testing.
func (s *Server) PriceHistory(
	ctx context.Context,
	req *mcp.CallToolRequest,
	params *PriceHistoryParams,
) (*mcp.CallToolResult, PriceHistoryOutput, error) {
	if s.store == nil {
		return errorResult("Error: no agent memory attached."), PriceHistoryOutput{}, nil
	}
	if params.Token == "" {
		return errorResult("Error: 'token' parameter is required."), PriceHistoryOutput{}, nil
	}
	records, err := s.store.PriceHistory(ctx, params.Token, params.Limit)
	if err != nil {
		return errorResult("Error: reading price history: %v", err), PriceHistoryOutput{}, nil
	}
	return nil, PriceHistoryOutput{Token: params.Token, Records: records}, nil
}

// RecentDecisionsParams defines parameters for the recent_decisions tool.
type RecentDecisionsParams struct {
	// Limit caps the number of decisions returned.
	Limit int `json:"limit,omitempty" jsonschema:"Maximum decisions to return"`
}

// RecentDecisionsOutput wraps the strategy log tail.
type RecentDecisionsOutput struct {
	Decisions []memory.StrategyDecision `json:"decisions"`
}

// RecentDecisions reads the strategy log. Exported for testing.
func (s *Server) RecentDecisions(
	ctx context.Context,
	req *mcp.CallToolRequest,
	params *RecentDecisionsParams,
) (*mcp.CallToolResult, RecentDecisionsOutput, error) {
	if s.store == nil {
		return errorResult("Error: no agent memory attached."), RecentDecisionsOutput{}, nil
	}
	decisions, err := s.store.RecentDecisions(ctx, params.Limit)
	if err != nil {
		return errorResult("Error: reading decisions: %v", err), RecentDecisionsOutput{}, nil
	}
	return nil, RecentDecisionsOutput{Decisions: decisions}, nil
}
