package service

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"catia-session/internal/catastro"
	"catia-session/internal/retry"
	"catia-session/internal/session"
	"catia-session/internal/util"
)

// PropertyService answers property questions for an authenticated
// citizen: how many, which ones, and targeted searches. Every operation
// resolves a usable token first, so an expired session fails before any
// cadastral call.
type PropertyService struct {
	sessions SessionManager
	cadastre Cadastre
	logger   *zap.Logger
}

func NewPropertyService(sessions SessionManager, cadastre Cadastre, logger *zap.Logger) *PropertyService {
	if logger == nil {
		logger = util.Get()
	}
	return &PropertyService{
		sessions: sessions,
		cadastre: cadastre,
		logger:   logger,
	}
}

func (s *PropertyService) Count(ctx context.Context, citizenID string) (*catastro.PropertyCount, error) {
	token, err := s.sessions.EnsureUsableToken(ctx, citizenID)
	if err != nil {
		return nil, err
	}
	count, err := s.cadastre.CountProperties(ctx, token)
	if err != nil {
		return nil, s.mapCadastreError(err)
	}
	return count, nil
}

func (s *PropertyService) List(ctx context.Context, citizenID string) ([]catastro.Property, error) {
	token, err := s.sessions.EnsureUsableToken(ctx, citizenID)
	if err != nil {
		return nil, err
	}
	properties, err := s.cadastre.ListProperties(ctx, token)
	if err != nil {
		return nil, s.mapCadastreError(err)
	}
	s.logger.Info("Properties listed for citizen",
		zap.String("citizen", util.MaskDocument(citizenID)),
		zap.Int("total", len(properties)),
	)
	return properties, nil
}

func (s *PropertyService) SearchByChip(ctx context.Context, citizenID, chip string) (*catastro.Property, error) {
	token, err := s.sessions.EnsureUsableToken(ctx, citizenID)
	if err != nil {
		return nil, err
	}
	property, err := s.cadastre.SearchByChip(ctx, token, chip)
	if err != nil {
		return nil, s.mapCadastreError(err)
	}
	return property, nil
}

func (s *PropertyService) SearchByAddress(ctx context.Context, citizenID, address string) ([]catastro.Property, error) {
	token, err := s.sessions.EnsureUsableToken(ctx, citizenID)
	if err != nil {
		return nil, err
	}
	properties, err := s.cadastre.SearchByAddress(ctx, token, util.SanitizeInput(address))
	if err != nil {
		return nil, s.mapCadastreError(err)
	}
	return properties, nil
}

func (s *PropertyService) SearchByRegistration(ctx context.Context, citizenID, zone, registration string) (*catastro.Property, error) {
	token, err := s.sessions.EnsureUsableToken(ctx, citizenID)
	if err != nil {
		return nil, err
	}
	property, err := s.cadastre.SearchByRegistration(ctx, token, zone, registration)
	if err != nil {
		return nil, s.mapCadastreError(err)
	}
	return property, nil
}

// Select adds a property to the citizen's certificate selection after
// confirming the property actually exists for that citizen.
func (s *PropertyService) Select(ctx context.Context, citizenID, chip string) (session.SelectionResult, error) {
	token, err := s.sessions.EnsureUsableToken(ctx, citizenID)
	if err != nil {
		return session.SelectionResult{}, err
	}
	property, err := s.cadastre.SearchByChip(ctx, token, chip)
	if err != nil {
		return session.SelectionResult{}, s.mapCadastreError(err)
	}
	return s.sessions.AddSelection(ctx, citizenID, property.Chip)
}

// mapCadastreError translates cadastral client failures into the stable
// error codes the conversational flow understands.
func (s *PropertyService) mapCadastreError(err error) error {
	var exhausted *retry.ExhaustedError
	switch {
	case errors.As(err, new(*session.Error)):
		return err
	case errors.Is(err, catastro.ErrTokenExpired):
		return session.NewError(session.CodeSessionExpired, "Your session expired. Please validate your identity again.")
	case errors.Is(err, catastro.ErrNoProperties):
		return session.NewError(session.CodeNoProperties, "No properties are associated with your document.")
	case errors.Is(err, catastro.ErrPropertyNotFound):
		return session.NewError(session.CodePropertyNotFound, "No property matched your search.")
	case errors.Is(err, catastro.ErrInvalidZone):
		return session.NewError(session.CodeInvalidRequest, "The zone must be NORTE, CENTRO or SUR.")
	case errors.Is(err, catastro.ErrUserInactive):
		return session.NewError(session.CodeUpstreamError, "Your registry user is not active. Please contact support.")
	case errors.Is(err, catastro.ErrNoSecurityQuestions):
		return session.NewError(session.CodeUpstreamError, "Your registry user has no security questions configured.")
	case errors.As(err, &exhausted):
		return session.NewError(session.CodeUpstreamError,
			fmt.Sprintf("The cadastral service did not respond after %d attempts. Please try again later.", exhausted.Attempts))
	default:
		s.logger.Error("Unexpected cadastral failure", zap.Error(err))
		return session.NewError(session.CodeUpstreamError, "The cadastral service failed. Please try again later.")
	}
}
