// Package seller is the x402-gated demo data server: gin routes serving
// simulated market data behind a 402 challenge, with local payment
// verification and a facilitator verify endpoint so the client's
// settlement confirmation can run end to end.
package seller

import (
	"fmt"
	"math/big"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"

	"github.com/andrewreder/agent-economy/agent"
	"github.com/andrewreder/agent-economy/x402"
)

// Config describes the resource server and its single payment option.
type Config struct {
	// BaseURL is advertised in challenges and discovery entries.
	BaseURL string
	// PayTo receives payments.
	PayTo string
	// Network and Asset identify the settlement rail; Base Sepolia USDC
	// by default.
	Network string
	Asset   string
	// Price per request in atomic units. Defaults to 10000 (0.01 USDC).
	Price *big.Int
	// AllowSimulated accepts pseudo-signatures. Demo only; a real
	// deployment leaves this off and simulated payers get rejected.
	AllowSimulated bool
	// SimulatorSeed fixes the market data price path.
	SimulatorSeed int64
	Logger        zerolog.Logger
}

// Server is the demo seller.
type Server struct {
	cfg         Config
	requirement x402.PaymentRequirements
	verifier    *verifier
	sim         *agent.Simulator
	logger      zerolog.Logger
}

// New builds a seller. Zero-value fields get demo defaults.
func New(cfg Config) (*Server, error) {
	if cfg.Network == "" {
		cfg.Network = x402.NetworkBaseSepolia
	}
	if cfg.Asset == "" {
		switch cfg.Network {
		case x402.NetworkBase:
			cfg.Asset = x402.USDCBase
		default:
			cfg.Asset = x402.USDCBaseSepolia
		}
	}
	if cfg.Price == nil {
		cfg.Price = big.NewInt(10000)
	}
	if cfg.PayTo == "" {
		return nil, fmt.Errorf("seller: pay-to address required")
	}
	if _, err := x402.ChainID(cfg.Network); err != nil {
		return nil, fmt.Errorf("seller: unsupported network %q", cfg.Network)
	}
	if cfg.SimulatorSeed == 0 {
		cfg.SimulatorSeed = time.Now().UnixNano()
	}

	requirement := x402.PaymentRequirements{
		Scheme:            x402.SchemeExact,
		Network:           cfg.Network,
		Amount:            cfg.Price.String(),
		Asset:             cfg.Asset,
		PayTo:             cfg.PayTo,
		MaxTimeoutSeconds: 300,
		Extra:             map[string]any{"name": "USDC", "version": "2"},
	}

	return &Server{
		cfg:         cfg,
		requirement: requirement,
		verifier:    newVerifier(requirement, cfg.AllowSimulated),
		sim:         agent.NewSimulator(cfg.SimulatorSeed),
		logger:      cfg.Logger,
	}, nil
}

// Router builds the gin router with all routes registered.
func (s *Server) Router() *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery())

	r.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	r.GET("/discovery/x402", s.handleDiscovery)
	r.POST("/verify", s.handleVerify)
	r.GET("/market/:token", s.paymentRequired(), s.handleMarket)

	return r
}

// paymentRequired gates a route behind the x402 flow: no payment header
// gets a 402 challenge on both transports, an invalid payment gets
// challenged again, and a valid one passes through with a settlement
// header attached.
func (s *Server) paymentRequired() gin.HandlerFunc {
	return func(c *gin.Context) {
		header := c.GetHeader(x402.HeaderPaymentSignature)
		if header == "" {
			// v1 clients send X-PAYMENT; same payload shape.
			header = c.GetHeader(x402.HeaderPaymentV1)
		}
		if header == "" {
			s.challenge(c, "payment required")
			return
		}

		payment, err := x402.DecodePayment(header)
		if err != nil {
			s.logger.Warn().Err(err).Msg("undecodable payment header")
			s.challenge(c, "undecodable payment header")
			return
		}

		payer, reason, err := s.verifier.verify(payment)
		if err != nil {
			s.logger.Warn().Err(err).Str("reason", reason).Msg("payment rejected")
			s.challenge(c, reason)
			return
		}

		settle := &x402.SettleResponse{
			Success:     true,
			Transaction: pseudoTransaction(payment.Payload.Signature),
			Network:     s.cfg.Network,
			Payer:       payer,
		}
		encoded, err := x402.EncodeSettlement(settle)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "settlement encoding failed"})
			return
		}
		c.Header(x402.HeaderPaymentResponse, encoded)

		s.logger.Info().
			Str("payer", payer).
			Str("path", c.Request.URL.Path).
			Str("transaction", settle.Transaction).
			Msg("payment settled")
		c.Next()
	}
}

func (s *Server) challenge(c *gin.Context, message string) {
	required := &x402.PaymentRequired{
		X402Version: x402.ProtocolVersion,
		Error:       message,
		Resource: &x402.ResourceInfo{
			URL:      s.cfg.BaseURL + c.Request.URL.Path,
			MimeType: "application/json",
		},
		Accepts: []x402.PaymentRequirements{s.requirement},
	}

	// Challenge travels on both transports so either kind of client can
	// pick it up.
	if encoded, err := x402.EncodeRequirements(required); err == nil {
		c.Header(x402.HeaderPaymentRequired, encoded)
	}
	c.AbortWithStatusJSON(http.StatusPaymentRequired, required)
}

func (s *Server) handleMarket(c *gin.Context) {
	token := c.Param("token")
	c.JSON(http.StatusOK, s.sim.Snapshot(token))
}

// handleVerify is the facilitator-shaped verification endpoint. The
// client posts its payment payload here when settlement verification is
// on; replay of an already settled nonce is reported invalid.
func (s *Server) handleVerify(c *gin.Context) {
	var req x402.VerifyRequest
	if err := c.ShouldBindJSON(&req); err != nil || req.PaymentPayload == nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "malformed verify request"})
		return
	}

	payer := req.PaymentPayload.Payload.Authorization.From
	// The nonce was claimed when the resource was served; seeing it again
	// here is the expected confirm-after-settle call, not a replay.
	if s.verifier.nonceSettled(req.PaymentPayload.Payload.Authorization.Nonce) {
		c.JSON(http.StatusOK, x402.VerifyResponse{IsValid: true, Payer: payer})
		return
	}

	verifiedPayer, reason, err := s.verifier.verify(req.PaymentPayload)
	if err != nil {
		c.JSON(http.StatusOK, x402.VerifyResponse{
			IsValid:        false,
			InvalidReason:  reason,
			InvalidMessage: err.Error(),
		})
		return
	}
	c.JSON(http.StatusOK, x402.VerifyResponse{IsValid: true, Payer: verifiedPayer})
}

func (s *Server) handleDiscovery(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"entries": []gin.H{
			{
				"resource":    s.cfg.BaseURL + "/market/{token}",
				"type":        "http",
				"x402Version": x402.ProtocolVersion,
				"lastUpdated": time.Now().UTC().Format(time.RFC3339Nano),
				"accepts":     []x402.PaymentRequirements{s.requirement},
			},
		},
	})
}
