package webhook

import (
	"errors"
	"io"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"payrecon/internal/common/api"
)

// maxBodySize caps webhook payloads at 1 MiB.
const maxBodySize = 1 << 20

// Handler receives provider callbacks. It acknowledges with 200 whenever
// the payload has been either scheduled or rejected as invalid; the
// provider only retries on non-2xx, and an invalid payload will not get
// better on redelivery.
type Handler struct {
	ingestor *Ingestor
	logger   *slog.Logger
}

func NewHandler(ingestor *Ingestor, logger *slog.Logger) *Handler {
	return &Handler{ingestor: ingestor, logger: logger}
}

func (h *Handler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Post("/payments", h.receive)
	r.Post("/payments/{orderID}", h.receive)
	return r
}

func (h *Handler) receive(w http.ResponseWriter, r *http.Request) {
	raw, err := io.ReadAll(io.LimitReader(r.Body, maxBodySize))
	if err != nil {
		h.logger.Warn("reading webhook body", slog.String("error", err.Error()))
		api.WriteJSON(w, http.StatusOK, api.ActionResponse{Success: false, Data: "ignored"})
		return
	}

	opts := IngestOptions{
		Source:         "webhook",
		OrderID:        chi.URLParam(r, "orderID"),
		PayeeReference: r.URL.Query().Get("pr"),
	}

	handle, err := h.ingestor.Ingest(r.Context(), raw, opts)
	if err != nil {
		var verr *ValidationError
		if errors.As(err, &verr) {
			h.logger.Warn("webhook rejected",
				slog.String("reason", verr.Reason),
				slog.String("source", opts.Source))
			api.WriteJSON(w, http.StatusOK, api.ActionResponse{Success: false, Data: "ignored"})
			return
		}
		// Scheduling failed; a retry from the provider can succeed.
		h.logger.Error("webhook scheduling failed", slog.String("error", err.Error()))
		api.InternalError(w, "scheduling failed")
		return
	}

	api.WriteSuccess(w, map[string]any{
		"itemId":       handle.ItemID,
		"processAfter": handle.ProcessAfter,
	})
}
