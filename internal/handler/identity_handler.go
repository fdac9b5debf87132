package handler

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"catia-session/internal/identity"
	"catia-session/internal/session"
	"catia-session/internal/util"
)

// SessionFlow is the slice of the session manager the identity endpoints
// drive.
type SessionFlow interface {
	StartVerification(ctx context.Context, documentType, documentNumber string) (*identity.OTPChallenge, error)
	SubmitOTP(ctx context.Context, documentType, documentNumber, otpCode string) (*session.OTPOutcome, error)
	Record(ctx context.Context, citizenID string) (*session.Record, error)
}

// IdentityHandler exposes the OTP verification flow.
type IdentityHandler struct {
	sessions SessionFlow
	logger   *zap.Logger
}

func NewIdentityHandler(sessions SessionFlow, logger *zap.Logger) *IdentityHandler {
	return &IdentityHandler{
		sessions: sessions,
		logger:   logger,
	}
}

func (h *IdentityHandler) RegisterRoutes(router chi.Router) {
	router.Route("/identity", func(r chi.Router) {
		r.Post("/otp", h.RequestOTP)
		r.Post("/otp/verify", h.VerifyOTP)
	})
	router.Get("/citizens/{document}/session", h.SessionStatus)
}

type otpRequest struct {
	DocumentType   string `json:"documentType"`
	DocumentNumber string `json:"documentNumber"`
	OTPCode        string `json:"otpCode,omitempty"`
}

func (r *otpRequest) normalize() {
	r.DocumentType = util.SanitizeInput(r.DocumentType)
	r.DocumentNumber = util.SanitizeInput(r.DocumentNumber)
}

// RequestOTP triggers delivery of a one-time code.
func (h *IdentityHandler) RequestOTP(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	startTime := time.Now()

	var req otpRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondWithError(w, session.NewError(session.CodeInvalidRequest, "Invalid request body"))
		return
	}
	req.normalize()
	if req.DocumentNumber == "" || req.DocumentType == "" {
		respondWithError(w, session.NewError(session.CodeInvalidRequest, "documentType and documentNumber are required"))
		return
	}

	challenge, err := h.sessions.StartVerification(ctx, req.DocumentType, req.DocumentNumber)
	if err != nil {
		respondWithError(w, err)
		return
	}

	respondWithJSON(w, http.StatusOK, successResponse(challenge, "An OTP code was sent to your registered email"))
	h.logger.Info("OTP requested via HTTP",
		zap.String("document", util.MaskDocument(req.DocumentNumber)),
		zap.Duration("duration", time.Since(startTime)),
	)
}

// VerifyOTP submits a code and, on success, establishes the session.
func (h *IdentityHandler) VerifyOTP(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	startTime := time.Now()

	var req otpRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondWithError(w, session.NewError(session.CodeInvalidRequest, "Invalid request body"))
		return
	}
	req.normalize()
	if req.DocumentNumber == "" || req.OTPCode == "" {
		respondWithError(w, session.NewError(session.CodeInvalidRequest, "documentNumber and otpCode are required"))
		return
	}

	outcome, err := h.sessions.SubmitOTP(ctx, req.DocumentType, req.DocumentNumber, req.OTPCode)
	if err != nil {
		// The outcome still carries the remaining attempts; the agent
		// needs them to phrase the retry prompt.
		respondWithJSON(w, statusFor(session.CodeOf(err)), Response{
			Success:   false,
			Message:   err.Error(),
			Data:      outcome,
			ErrorCode: session.CodeOf(err),
		})
		return
	}

	respondWithJSON(w, http.StatusOK, successResponse(outcome, outcome.Message))
	h.logger.Info("OTP verified via HTTP",
		zap.String("document", util.MaskDocument(req.DocumentNumber)),
		zap.Duration("duration", time.Since(startTime)),
	)
}

type sessionStatus struct {
	Authenticated     bool                 `json:"authenticated"`
	AttemptsRemaining int                  `json:"attemptsRemaining"`
	Profile           identity.UserProfile `json:"profile"`
	SelectedChips     []string             `json:"selectedChips"`
}

// SessionStatus reports whether a citizen has a live session. Tokens are
// never exposed.
func (h *IdentityHandler) SessionStatus(w http.ResponseWriter, r *http.Request) {
	document := chi.URLParam(r, "document")

	rec, err := h.sessions.Record(r.Context(), document)
	if err != nil {
		respondWithError(w, err)
		return
	}

	status := sessionStatus{
		Authenticated:     rec.Credentials.AccessToken != "",
		AttemptsRemaining: rec.AttemptsRemaining,
		Profile:           rec.Profile,
		SelectedChips:     rec.SelectedProperties,
	}
	status.Profile.DocumentNumber = util.MaskDocument(status.Profile.DocumentNumber)

	respondWithJSON(w, http.StatusOK, successResponse(status, "Session found"))
}
