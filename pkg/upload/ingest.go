package upload

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/dreadstar/abhaya-sensor-android/pkg/ledger"
)

// DefaultMaxUploadBytes bounds a single upload accepted by IngestHandler.
const DefaultMaxUploadBytes = 256 << 20

type ingestResponse struct {
	ContentID string `json:"contentId"`
	RequestID string `json:"requestId,omitempty"`
}

// IngestHandler receives uploads for offers this node made. Each upload needs a grant; the stored
// blob's content id is recorded as a receipt against the grant issuer.
type IngestHandler struct {
	store    *BlobStore
	grants   *GrantVerifier
	ledger   ledger.Ledger
	logger   *slog.Logger
	MaxBytes int64
}

func NewIngestHandler(store *BlobStore, grants *GrantVerifier, lg ledger.Ledger, logger *slog.Logger) *IngestHandler {
	if logger == nil {
		logger = slog.Default().With("component", "upload")
	}
	return &IngestHandler{
		store:    store,
		grants:   grants,
		ledger:   lg,
		logger:   logger,
		MaxBytes: DefaultMaxUploadBytes,
	}
}

func (h *IngestHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.Header().Set("Allow", http.MethodPost)
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	ctx := r.Context()

	g, err := h.grants.Verify(ctx, r.Header.Get(AuthHeader))
	if err != nil {
		h.logger.WarnContext(ctx, "upload rejected", "error", err)
		http.Error(w, "invalid grant", http.StatusUnauthorized)
		return
	}

	// The grant is spent before any bytes are stored: a failed upload needs a new negotiation.
	if err := h.grants.Claim(ctx, g); err != nil {
		if errors.Is(err, ErrInvalidGrant) {
			http.Error(w, "grant already used", http.StatusConflict)
			return
		}
		h.logger.ErrorContext(ctx, "grant claim failed", "error", err)
		http.Error(w, "ledger unavailable", http.StatusServiceUnavailable)
		return
	}

	body := http.MaxBytesReader(w, r.Body, h.MaxBytes)
	id, err := h.store.Put(ctx, body)
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			http.Error(w, "payload too large", http.StatusRequestEntityTooLarge)
			return
		}
		h.logger.ErrorContext(ctx, "blob store failed", "error", err)
		http.Error(w, "store failed", http.StatusInternalServerError)
		return
	}
	if h.ledger != nil {
		if err := h.ledger.RecordReceipt(ctx, id, ledger.EncodeKey(g.IssuerKey)); err != nil {
			h.logger.ErrorContext(ctx, "receipt not recorded", "contentId", id, "error", err)
			http.Error(w, "ledger unavailable", http.StatusServiceUnavailable)
			return
		}
	}

	h.logger.InfoContext(ctx, "upload stored", "contentId", id, "requestId", g.RequestID)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	_ = json.NewEncoder(w).Encode(ingestResponse{ContentID: id, RequestID: g.RequestID})
}
