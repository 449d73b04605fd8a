// Auxite Wallet - account security control plane for custodial wallets
package main

import (
	"context"
	"os"

	"github.com/temelreiz/auxite-wallet/internal/config"
	"github.com/temelreiz/auxite-wallet/internal/logging"
	"github.com/temelreiz/auxite-wallet/internal/passkey"
	"github.com/temelreiz/auxite-wallet/internal/server"
	"github.com/temelreiz/auxite-wallet/internal/traces"
)

// Build info - set by ldflags
var (
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

func main() {
	// Create logger
	logger := logging.New("info", "text")

	logger.Info("starting auxite-wallet",
		"version", Version,
		"commit", Commit,
		"build_time", BuildTime,
	)

	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		logger.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	logger.Info("configuration loaded",
		"env", cfg.Env,
		"chain_id", cfg.ChainID,
		"usdc_contract", cfg.USDCContract,
	)

	ctx := context.Background()

	// Tracing (no-op when OTLP_ENDPOINT is unset)
	shutdownTracing, err := traces.Init(ctx, cfg.OTLPEndpoint, logger)
	if err != nil {
		logger.Error("failed to set up tracing", "error", err)
		os.Exit(1)
	}
	defer func() {
		if err := shutdownTracing(ctx); err != nil {
			logger.Error("tracing shutdown error", "error", err)
		}
	}()

	// WebAuthn ceremony verifier for the configured relying party
	webauthnVerifier, err := passkey.NewVerifier(cfg.WebAuthnRPID, cfg.WebAuthnOrigin, "Auxite Wallet")
	if err != nil {
		logger.Error("failed to create webauthn verifier", "error", err)
		os.Exit(1)
	}

	// Create and run server
	srv, err := server.New(cfg,
		server.WithLogger(logger),
		server.WithWebAuthnVerifier(webauthnVerifier),
	)
	if err != nil {
		logger.Error("failed to create server", "error", err)
		os.Exit(1)
	}

	if err := srv.Run(ctx); err != nil {
		logger.Error("server error", "error", err)
		os.Exit(1)
	}
}
