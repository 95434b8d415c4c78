package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"

	"golang.org/x/time/rate"

	"github.com/dreadstar/abhaya-sensor-android/pkg/config"
	"github.com/dreadstar/abhaya-sensor-android/pkg/crypto"
	"github.com/dreadstar/abhaya-sensor-android/pkg/ledger"
	"github.com/dreadstar/abhaya-sensor-android/pkg/observability"
	"github.com/dreadstar/abhaya-sensor-android/pkg/offer"
)

// node bundles the components a command needs, built from one Config.
type node struct {
	cfg     *config.Config
	logger  *slog.Logger
	ledger  ledger.Ledger
	metrics *observability.Provider
}

func loadConfig(path string) (*config.Config, error) {
	if path != "" {
		return config.LoadFile(path)
	}
	return config.Load()
}

func openNode(ctx context.Context, configPath string, stderr io.Writer) (*node, error) {
	cfg, err := loadConfig(configPath)
	if err != nil {
		return nil, err
	}
	logger := observability.NewLogger(stderr, cfg.LogLevel, cfg.LogFormat)
	slog.SetDefault(logger)

	metrics, err := observability.New(ctx, cfg.ObservabilityConfig(version))
	if err != nil {
		return nil, fmt.Errorf("observability: %w", err)
	}
	lg, err := ledger.Open(ctx, cfg.LedgerOptions())
	if err != nil {
		_ = metrics.Shutdown(ctx)
		return nil, err
	}
	return &node{cfg: cfg, logger: logger, ledger: lg, metrics: metrics}, nil
}

func (n *node) Close(ctx context.Context) {
	if err := n.ledger.Close(); err != nil {
		n.logger.WarnContext(ctx, "ledger close failed", "error", err)
	}
	_ = n.metrics.Shutdown(ctx)
}

func (n *node) verifier(useLedger bool) *offer.Verifier {
	opts := offer.Options{
		RequireSignature:   n.cfg.RequireSignature,
		RequireChainLedger: n.cfg.RequireChainLedger,
		Logger:             n.logger.With("component", "offer"),
		Metrics:            n.metrics,
	}
	if useLedger {
		opts.Ledger = n.ledger
	}
	if n.cfg.DirectoryURL != "" {
		opts.Resolver = offer.NewDirectoryResolver(n.cfg.DirectoryURL, offer.DirectoryOptions{AuthToken: n.cfg.AuthToken})
	}
	return offer.NewVerifier(opts)
}

func (n *node) inboundLimiter() *rate.Limiter {
	if n.cfg.InboundRate <= 0 {
		return nil
	}
	burst := int(n.cfg.InboundRate)
	if burst < 1 {
		burst = 1
	}
	return rate.NewLimiter(rate.Limit(n.cfg.InboundRate), burst)
}

// loadSigner reads the node key from path, falling back to MESH_KEY_FILE.
func loadSigner(cfg *config.Config, path string) (*crypto.Ed25519Signer, error) {
	if path == "" && cfg != nil {
		path = cfg.KeyFile
	}
	if path == "" {
		return nil, fmt.Errorf("no key file: pass --key or set MESH_KEY_FILE")
	}
	var pass []byte
	if cfg != nil && cfg.KeyPassphrase != "" {
		pass = []byte(cfg.KeyPassphrase)
	} else if p := os.Getenv("MESH_KEY_PASSPHRASE"); p != "" {
		pass = []byte(p)
	}
	priv, err := crypto.LoadKeyFile(path, pass)
	if err != nil {
		return nil, err
	}
	return crypto.NewEd25519SignerFromKey(priv)
}

func readInput(path string) ([]byte, error) {
	if path == "" || path == "-" {
		return io.ReadAll(os.Stdin)
	}
	return os.ReadFile(path)
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	enc.SetEscapeHTML(false)
	return enc.Encode(v)
}
