package handler

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"catia-session/internal/service"
	"catia-session/internal/session"
	"catia-session/internal/util"
)

// CertificateIssuer is the slice of the certificate service the endpoint
// uses.
type CertificateIssuer interface {
	Generate(ctx context.Context, citizenID string, chips []string) (*service.CertificateBatch, error)
	ListIssued(ctx context.Context, citizenID string) ([]service.IssuedCertificate, error)
}

// CertificateHandler exposes certificate generation.
type CertificateHandler struct {
	certificates CertificateIssuer
	logger       *zap.Logger
}

func NewCertificateHandler(certificates CertificateIssuer, logger *zap.Logger) *CertificateHandler {
	return &CertificateHandler{
		certificates: certificates,
		logger:       logger,
	}
}

func (h *CertificateHandler) RegisterRoutes(router chi.Router) {
	router.Post("/citizens/{document}/certificates", h.Generate)
	router.Get("/citizens/{document}/certificates", h.List)
}

type certificateRequest struct {
	Chips []string `json:"chips"`
}

// Generate requests certificates for the citizen's chips. An empty chip
// list falls back to the stored selection.
func (h *CertificateHandler) Generate(w http.ResponseWriter, r *http.Request) {
	document := chi.URLParam(r, "document")
	startTime := time.Now()

	var req certificateRequest
	if r.ContentLength > 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			respondWithError(w, session.NewError(session.CodeInvalidRequest, "Invalid request body"))
			return
		}
	}

	batch, err := h.certificates.Generate(r.Context(), document, req.Chips)
	if err != nil {
		respondWithError(w, err)
		return
	}

	message := "Certificates generated and sent by email"
	if batch.TotalFailed > 0 {
		message = "Some certificates could not be generated"
	}

	respondWithJSON(w, http.StatusOK, successResponse(batch, message))
	h.logger.Info("Certificates generated via HTTP",
		zap.String("document", util.MaskDocument(document)),
		zap.Int("succeeded", batch.TotalSucceeded),
		zap.Int("failed", batch.TotalFailed),
		zap.Duration("duration", time.Since(startTime)),
	)
}

// List returns the certificates this citizen generated earlier.
func (h *CertificateHandler) List(w http.ResponseWriter, r *http.Request) {
	document := chi.URLParam(r, "document")

	issued, err := h.certificates.ListIssued(r.Context(), document)
	if err != nil {
		respondWithError(w, err)
		return
	}

	message := fmt.Sprintf("%d certificate(s) found", len(issued))
	if len(issued) == 0 {
		message = "No certificates have been generated yet"
	}

	respondWithJSON(w, http.StatusOK, successResponse(map[string]interface{}{
		"certificates": issued,
		"total":        len(issued),
	}, message))
	h.logger.Info("Certificate history served",
		zap.String("document", util.MaskDocument(document)),
		zap.Int("total", len(issued)),
	)
}
