package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/dreadstar/abhaya-sensor-android/pkg/negotiation"
	"github.com/dreadstar/abhaya-sensor-android/pkg/transport"
	"github.com/dreadstar/abhaya-sensor-android/pkg/upload"
)

type rankedOffer struct {
	Responder  string `json:"responder"`
	TrustScore int    `json:"trustScore"`
	Endpoint   string `json:"endpoint,omitempty"`
	Capacity   *int64 `json:"availableCapacity,omitempty"`
	LatencyMs  *int64 `json:"latencyMs,omitempty"`
	Signed     bool   `json:"signed"`
	Delegated  bool   `json:"delegated"`
}

type requestReport struct {
	RequestID string        `json:"requestId"`
	Offers    []rankedOffer `json:"offers"`
	Uploaded  string        `json:"uploaded,omitempty"`
}

// runRequestCmd implements `meshnode request`: broadcast, collect for the timeout, rank, and
// optionally upload a file to the best offer.
//
// Collecting zero offers is not an error; the report simply lists none.
func runRequestCmd(args []string, stdout, stderr io.Writer) int {
	cmd := flag.NewFlagSet("request", flag.ContinueOnError)
	cmd.SetOutput(stderr)

	var (
		configPath string
		descriptor string
		requestID  string
		timeout    time.Duration
		policyExpr string
		uploadPath string
		keyPath    string
	)
	cmd.StringVar(&configPath, "config", "", "YAML config file")
	cmd.StringVar(&descriptor, "descriptor", "{}", "Request descriptor (JSON)")
	cmd.StringVar(&requestID, "request-id", "", "Request id (default: random UUID)")
	cmd.DurationVar(&timeout, "timeout", 0, "Collection window (default MESH_COLLECT_TIMEOUT)")
	cmd.StringVar(&policyExpr, "policy", "", "CEL offer policy (default MESH_OFFER_POLICY)")
	cmd.StringVar(&uploadPath, "upload", "", "File to upload to the best offer")
	cmd.StringVar(&keyPath, "key", "", "Key used to sign the upload grant (default MESH_KEY_FILE)")

	if err := cmd.Parse(args); err != nil {
		return 2
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	n, err := openNode(ctx, configPath, stderr)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 2
	}
	defer n.Close(context.Background())

	if timeout <= 0 {
		timeout = n.cfg.CollectTimeout
	}
	if policyExpr == "" {
		policyExpr = n.cfg.OfferPolicy
	}
	var policy *negotiation.Policy
	if policyExpr != "" {
		if policy, err = negotiation.NewPolicy(policyExpr); err != nil {
			_, _ = fmt.Fprintf(stderr, "Error: policy: %v\n", err)
			return 2
		}
	}
	if !json.Valid([]byte(descriptor)) {
		_, _ = fmt.Fprintln(stderr, "Error: --descriptor is not valid JSON")
		return 2
	}

	t, shutdown, err := n.openTransport(ctx, nil)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 2
	}
	defer shutdown()

	authorities, _ := n.cfg.AuthorityKeys()
	coord, err := negotiation.NewCoordinator(t, n.verifier(true), negotiation.Options{
		Logger:                n.logger.With("component", "negotiation"),
		Metrics:               n.metrics,
		InboundLimiter:        n.inboundLimiter(),
		RevocationAuthorities: authorities,
	})
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 2
	}
	defer func() { _ = coord.Close() }()

	req, err := coord.Broadcast(ctx, json.RawMessage(descriptor), requestID)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: broadcast: %v\n", err)
		return 2
	}
	offers := coord.Collect(ctx, req.RequestID, timeout)
	ranked := negotiation.Rank(ctx, offers, n.ledger, policy, n.logger)

	report := requestReport{RequestID: req.RequestID, Offers: make([]rankedOffer, 0, len(ranked))}
	for _, r := range ranked {
		report.Offers = append(report.Offers, rankedOffer{
			Responder:  r.Offer.ResponderIdentity,
			TrustScore: r.TrustScore,
			Endpoint:   r.Offer.Endpoint,
			Capacity:   r.Offer.AvailableCapacity,
			LatencyMs:  r.Offer.LatencyHint,
			Signed:     r.Offer.Signed(),
			Delegated:  r.Offer.Delegated(),
		})
	}

	if uploadPath != "" {
		if len(ranked) == 0 {
			_ = writeJSON(stdout, report)
			_, _ = fmt.Fprintln(stderr, "Error: no offer to upload to")
			return 1
		}
		ref, err := n.uploadTo(ctx, ranked[0], uploadPath, keyPath)
		if err != nil {
			_ = writeJSON(stdout, report)
			_, _ = fmt.Fprintf(stderr, "Error: upload: %v\n", err)
			return 1
		}
		report.Uploaded = ref
	}

	if err := writeJSON(stdout, report); err != nil {
		return 2
	}
	return 0
}

func (n *node) uploadTo(ctx context.Context, best negotiation.Ranked, path, keyPath string) (string, error) {
	if best.Offer.Endpoint == "" {
		return "", errors.New("best offer has no endpoint")
	}
	s, err := loadSigner(n.cfg, keyPath)
	if err != nil {
		return "", err
	}
	grant, err := upload.IssueGrant(s, best.Offer, 10*time.Minute, time.Now())
	if err != nil {
		return "", err
	}
	var s3cfg *upload.S3Config
	if n.cfg.EnableS3 {
		s3cfg = &upload.S3Config{Region: n.cfg.S3Region, Endpoint: n.cfg.S3Endpoint}
	}
	router, err := upload.NewRouter(ctx, upload.Options{S3: s3cfg, GCS: n.cfg.EnableGCS})
	if err != nil {
		return "", err
	}
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer func() { _ = f.Close() }()
	return router.Upload(ctx, best.Offer.Endpoint, f, grant)
}

// runRespondCmd implements `meshnode respond`: answer requests with signed offers until
// interrupted. With --ingest the node also accepts granted uploads into <data dir>/blobs.
func runRespondCmd(args []string, stdout, stderr io.Writer) int {
	cmd := flag.NewFlagSet("respond", flag.ContinueOnError)
	cmd.SetOutput(stderr)

	var (
		configPath string
		keyPath    string
		storage    int64
		latency    int64
		endpoint   string
		ttl        time.Duration
		wrap       bool
		ingest     bool
		runFor     time.Duration
	)
	cmd.StringVar(&configPath, "config", "", "YAML config file")
	cmd.StringVar(&keyPath, "key", "", "Private key file (default MESH_KEY_FILE)")
	cmd.Int64Var(&storage, "storage", -1, "Available storage in bytes to advertise (-1 omits)")
	cmd.Int64Var(&latency, "latency", -1, "Latency hint in ms to advertise (-1 omits)")
	cmd.StringVar(&endpoint, "endpoint", "", "Upload endpoint to advertise")
	cmd.DurationVar(&ttl, "ttl", time.Minute, "Offer lifetime")
	cmd.BoolVar(&wrap, "wrap", false, "Send offers inside ResourceOffer envelopes")
	cmd.BoolVar(&ingest, "ingest", false, "Serve POST /upload for granted uploads")
	cmd.DurationVar(&runFor, "for", 0, "Stop after this long (default: until interrupted)")

	if err := cmd.Parse(args); err != nil {
		return 2
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if runFor > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, runFor)
		defer cancel()
	}

	n, err := openNode(ctx, configPath, stderr)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 2
	}
	defer n.Close(context.Background())

	s, err := loadSigner(n.cfg, keyPath)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 2
	}

	routes := map[string]http.Handler{}
	offers := &offerBook{}
	if ingest {
		store, err := upload.NewBlobStore(filepath.Join(n.cfg.DataDir, "blobs"))
		if err != nil {
			_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
			return 2
		}
		grants := &upload.GrantVerifier{Identity: n.cfg.Identity, Offers: offers, Ledger: n.ledger}
		routes["/upload"] = upload.NewIngestHandler(store, grants, n.ledger, n.logger.With("component", "upload"))
	}

	t, shutdown, err := n.openTransport(ctx, routes)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 2
	}
	defer shutdown()

	terms := negotiation.Terms{Endpoint: endpoint}
	if storage >= 0 {
		terms.AvailableStorage = &storage
	}
	if latency >= 0 {
		terms.LatencyMs = &latency
	}
	r, err := negotiation.NewResponder(t, fixedTerms(terms), negotiation.ResponderOptions{
		Identity:   n.cfg.Identity,
		Signer:     s,
		EmbedKey:   true,
		TTL:        ttl,
		WrapOffers: wrap,
		Logger:     n.logger.With("component", "responder"),
	})
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 2
	}
	defer func() { _ = r.Close() }()
	offers.responder.Store(r)

	n.logger.InfoContext(ctx, "responding", "identity", n.cfg.Identity, "transport", n.cfg.Transport)
	_, _ = fmt.Fprintln(stdout, s.PublicKeyBase64())
	<-ctx.Done()
	return 0
}

// offerBook lets the ingest handler look up offers of a responder created after the server starts.
type offerBook struct {
	responder atomic.Pointer[negotiation.Responder]
}

func (b *offerBook) IssuedOffer(tokenID string) (string, bool) {
	r := b.responder.Load()
	if r == nil {
		return "", false
	}
	return r.IssuedOffer(tokenID)
}

// fixedTerms offers terms to every request whose descriptor fits in the advertised storage.
func fixedTerms(terms negotiation.Terms) negotiation.OfferFunc {
	return func(_ context.Context, req transport.Envelope) (negotiation.Terms, bool) {
		var want struct {
			Bytes *int64 `json:"bytes"`
		}
		_ = json.Unmarshal(req.Payload, &want)
		if want.Bytes != nil && terms.AvailableStorage != nil && *want.Bytes > *terms.AvailableStorage {
			return negotiation.Terms{}, false
		}
		return terms, true
	}
}

// openTransport builds the configured transport. When it is HTTP, or extra routes are given, an
// HTTP server is started on the listen address; the returned func stops both.
func (n *node) openTransport(ctx context.Context, routes map[string]http.Handler) (transport.Transport, func(), error) {
	tc := n.cfg.TransportConfig()
	tc.Logger = n.logger.With("component", "transport")
	t, err := transport.New(ctx, tc)
	if err != nil {
		return nil, nil, err
	}

	mux := http.NewServeMux()
	for path, h := range routes {
		mux.Handle(path, h)
	}
	serving := len(routes) > 0
	if ht, ok := t.(*transport.HTTPTransport); ok {
		mux.Handle("/descriptor", ht)
		serving = true
	}
	if !serving {
		return t, func() { _ = t.Close() }, nil
	}

	srv := &http.Server{
		Addr:              n.cfg.ListenAddr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			n.logger.Error("http server failed", "addr", srv.Addr, "error", err)
		}
	}()
	n.logger.InfoContext(ctx, "http server started", slog.String("addr", srv.Addr))

	return t, func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
		_ = t.Close()
	}, nil
}
