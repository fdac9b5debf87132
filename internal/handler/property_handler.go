package handler

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"catia-session/internal/catastro"
	"catia-session/internal/session"
	"catia-session/internal/util"
)

// PropertyReader is the slice of the property service the endpoints use.
type PropertyReader interface {
	Count(ctx context.Context, citizenID string) (*catastro.PropertyCount, error)
	List(ctx context.Context, citizenID string) ([]catastro.Property, error)
	SearchByChip(ctx context.Context, citizenID, chip string) (*catastro.Property, error)
	SearchByAddress(ctx context.Context, citizenID, address string) ([]catastro.Property, error)
	SearchByRegistration(ctx context.Context, citizenID, zone, registration string) (*catastro.Property, error)
	Select(ctx context.Context, citizenID, chip string) (session.SelectionResult, error)
}

// PropertyHandler exposes property queries and the certificate selection
// set. Every route is keyed by the citizen document, resolved to a token
// internally.
type PropertyHandler struct {
	properties PropertyReader
	logger     *zap.Logger
}

func NewPropertyHandler(properties PropertyReader, logger *zap.Logger) *PropertyHandler {
	return &PropertyHandler{
		properties: properties,
		logger:     logger,
	}
}

func (h *PropertyHandler) RegisterRoutes(router chi.Router) {
	router.Route("/citizens/{document}/properties", func(r chi.Router) {
		r.Get("/", h.List)
		r.Get("/count", h.Count)
		r.Get("/chip/{chip}", h.SearchByChip)
		r.Get("/address/{address}", h.SearchByAddress)
		r.Get("/matricula/{zone}/{registration}", h.SearchByRegistration)
	})
	router.Post("/citizens/{document}/selections", h.Select)
}

func (h *PropertyHandler) Count(w http.ResponseWriter, r *http.Request) {
	document := chi.URLParam(r, "document")

	count, err := h.properties.Count(r.Context(), document)
	if err != nil {
		respondWithError(w, err)
		return
	}
	respondWithJSON(w, http.StatusOK, successResponse(count, count.Message))
}

func (h *PropertyHandler) List(w http.ResponseWriter, r *http.Request) {
	document := chi.URLParam(r, "document")
	startTime := time.Now()

	properties, err := h.properties.List(r.Context(), document)
	if err != nil {
		respondWithError(w, err)
		return
	}

	respondWithJSON(w, http.StatusOK, successResponse(properties, "Properties found"))
	h.logger.Debug("Properties listed via HTTP",
		zap.String("document", util.MaskDocument(document)),
		zap.Int("total", len(properties)),
		zap.Duration("duration", time.Since(startTime)),
	)
}

func (h *PropertyHandler) SearchByChip(w http.ResponseWriter, r *http.Request) {
	document := chi.URLParam(r, "document")
	chip := chi.URLParam(r, "chip")

	property, err := h.properties.SearchByChip(r.Context(), document, chip)
	if err != nil {
		respondWithError(w, err)
		return
	}
	respondWithJSON(w, http.StatusOK, successResponse(property, "Property found"))
}

func (h *PropertyHandler) SearchByAddress(w http.ResponseWriter, r *http.Request) {
	document := chi.URLParam(r, "document")
	address := chi.URLParam(r, "address")

	properties, err := h.properties.SearchByAddress(r.Context(), document, address)
	if err != nil {
		respondWithError(w, err)
		return
	}
	respondWithJSON(w, http.StatusOK, successResponse(properties, "Properties found"))
}

func (h *PropertyHandler) SearchByRegistration(w http.ResponseWriter, r *http.Request) {
	document := chi.URLParam(r, "document")
	zone := chi.URLParam(r, "zone")
	registration := chi.URLParam(r, "registration")

	property, err := h.properties.SearchByRegistration(r.Context(), document, zone, registration)
	if err != nil {
		respondWithError(w, err)
		return
	}
	respondWithJSON(w, http.StatusOK, successResponse(property, "Property found"))
}

type selectionRequest struct {
	Chip string `json:"chip"`
}

// Select adds a property to the certificate selection set.
func (h *PropertyHandler) Select(w http.ResponseWriter, r *http.Request) {
	document := chi.URLParam(r, "document")

	var req selectionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondWithError(w, session.NewError(session.CodeInvalidRequest, "Invalid request body"))
		return
	}
	req.Chip = util.SanitizeInput(req.Chip)
	if req.Chip == "" {
		respondWithError(w, session.NewError(session.CodeInvalidRequest, "chip is required"))
		return
	}

	result, err := h.properties.Select(r.Context(), document, req.Chip)
	if err != nil {
		// LIMIT_REACHED still reports the current selection size.
		respondWithJSON(w, statusFor(session.CodeOf(err)), Response{
			Success:   false,
			Message:   err.Error(),
			Data:      result,
			ErrorCode: session.CodeOf(err),
		})
		return
	}

	respondWithJSON(w, http.StatusOK, successResponse(result, "Property selected"))
	h.logger.Info("Property selected via HTTP",
		zap.String("document", util.MaskDocument(document)),
		zap.Int("total_selected", result.Total),
	)
}
