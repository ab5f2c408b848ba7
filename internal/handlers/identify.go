package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"go.uber.org/zap"

	"identityrecon/internal/models"
	"identityrecon/internal/service"
)

const (
	msgInvalidJSON   = "Invalid JSON"
	msgInvalidTypes  = "Invalid input. 'email' and 'phoneNumber' must be strings or null."
	msgMissingFields = "Please provide either an email or a phone number for identification."
	msgUnexpected    = "An unexpected error occurred while identifying the contact."
)

// Identifier is the reconciliation entry point the handler depends on.
type Identifier interface {
	Identify(ctx context.Context, req models.IdentifyRequest) (*models.IdentifyResponse, error)
}

// IdentifyHandler handles the /identify endpoint
type IdentifyHandler struct {
	service Identifier
	log     *zap.Logger
}

// NewIdentifyHandler creates a new identify handler
func NewIdentifyHandler(svc Identifier, log *zap.Logger) *IdentifyHandler {
	if log == nil {
		log = zap.NewNop()
	}
	return &IdentifyHandler{service: svc, log: log}
}

// Handle processes the identify request
func (h *IdentifyHandler) Handle(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}

	var req models.IdentifyRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		var typeErr *json.UnmarshalTypeError
		if errors.As(err, &typeErr) {
			writeError(w, http.StatusBadRequest, msgInvalidTypes)
			return
		}
		h.log.Debug("error decoding request", zap.Error(err))
		writeError(w, http.StatusBadRequest, msgInvalidJSON)
		return
	}

	// Validate request - at least one of email or phoneNumber must be provided
	if (req.Email == nil || *req.Email == "") && (req.PhoneNumber == nil || *req.PhoneNumber == "") {
		writeError(w, http.StatusBadRequest, msgMissingFields)
		return
	}

	response, err := h.service.Identify(r.Context(), req)
	if err != nil {
		if errors.Is(err, service.ErrInvalidInput) {
			writeError(w, http.StatusBadRequest, msgMissingFields)
			return
		}
		h.log.Error("error processing identify request",
			zap.String("request_id", RequestIDFrom(r.Context())),
			zap.Error(err))
		msg := err.Error()
		if msg == "" {
			msg = msgUnexpected
		}
		writeError(w, http.StatusInternalServerError, msg)
		return
	}

	writeJSON(w, http.StatusOK, response)
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, models.ErrorResponse{Error: msg})
}
