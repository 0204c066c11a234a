// Package mcp exposes the market agent over MCP (Model Context
// Protocol) so AI hosts can fetch paid market data, inspect the wallet,
// and read the agent's memory through tools.
package mcp

import (
	"context"
	"net/http"

	"github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/rs/zerolog"

	"github.com/andrewreder/agent-economy/agent"
	"github.com/andrewreder/agent-economy/memory"
)

// MemoryReader is the read side of the agent memory the tools query.
type MemoryReader interface {
	Spending(ctx context.Context) (*memory.SpendingSummary, error)
	RecentDecisions(ctx context.Context, limit int) ([]memory.StrategyDecision, error)
	PriceHistory(ctx context.Context, token string, limit int) ([]memory.MarketRecord, error)
}

// Server wraps the MCP server wired to one market agent.
type Server struct {
	mcpServer *mcp.Server
	agent     *agent.Agent
	store     MemoryReader
	logger    zerolog.Logger
}

// NewServer creates the MCP server. store may be nil; memory-backed
// tools then report that no memory is attached.
func NewServer(a *agent.Agent, store MemoryReader, logger zerolog.Logger) *Server {
	mcpServer := mcp.NewServer(
		&mcp.Implementation{
			Name:    "agent-economy",
			Version: "1.0.0",
		},
		&mcp.ServerOptions{},
	)

	s := &Server{
		mcpServer: mcpServer,
		agent:     a,
		store:     store,
		logger:    logger,
	}
	s.registerTools()
	return s
}

// Handler returns an http.Handler for the MCP streamable HTTP transport.
func (s *Server) Handler() http.Handler {
	return mcp.NewStreamableHTTPHandler(func(req *http.Request) *mcp.Server {
		return s.mcpServer
	}, nil)
}
