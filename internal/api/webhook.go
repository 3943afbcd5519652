package api

import (
	"context"
	"errors"
	"io"
	"net/http"

	"github.com/rs/zerolog"

	"github.com/Sudo-psc/saraiva-vision-scheduling/internal/webhook"
)

const maxReceiptBody = 1 << 20

// ReceiptHandler is satisfied by *webhook.Processor.
type ReceiptHandler interface {
	Handle(ctx context.Context, raw []byte, signature string) (webhook.Ack, error)
}

// gatewayStatusHandler answers 200 for anything the gateway should not
// redeliver, including duplicates and receipts for unknown statuses.
func gatewayStatusHandler(h ReceiptHandler, signatureHeader string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		raw, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxReceiptBody))
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid_request_body", "could not read body")
			return
		}

		ack, err := h.Handle(r.Context(), raw, r.Header.Get(signatureHeader))
		switch {
		case err == nil:
			writeJSON(w, http.StatusOK, ack)
		case errors.Is(err, webhook.ErrInvalidSignature):
			writeError(w, http.StatusUnauthorized, "invalid_signature", "signature does not match")
		case errors.Is(err, webhook.ErrMalformedPayload):
			writeError(w, http.StatusBadRequest, "malformed_payload", err.Error())
		case errors.Is(err, webhook.ErrUnresolved):
			writeError(w, http.StatusBadRequest, "unknown_message", err.Error())
		default:
			zerolog.Ctx(r.Context()).Error().Err(err).Msg("delivery receipt not processed")
			writeError(w, http.StatusInternalServerError, "internal_error", "receipt not processed")
		}
	}
}
