package session

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"catia-session/internal/config"
	"catia-session/internal/identity"
	"catia-session/internal/retry"
	"catia-session/internal/util"
)

// IdentityProvider is the upstream collaborator the manager drives. The
// real implementation lives in internal/identity; tests inject fakes
// through the same interface.
type IdentityProvider interface {
	RequestOTP(ctx context.Context, documentType, documentNumber string) (*identity.OTPChallenge, error)
	Login(ctx context.Context, documentType, documentNumber, otpCode string) (*identity.LoginResult, error)
	ValidateToken(ctx context.Context, accessToken string) (*identity.TokenStatus, error)
	RefreshToken(ctx context.Context, refreshToken string) (*identity.TokenPair, error)
}

// OTPOutcome reports an OTP submission back to the conversational flow.
type OTPOutcome struct {
	Verified          bool   `json:"verified"`
	AttemptsRemaining int    `json:"attemptsRemaining"`
	Message           string `json:"message"`
}

// Manager owns the credential lifecycle for every citizen session: OTP
// verification with a bounded attempt counter, token validation and
// refresh, and the certificate selection set.
type Manager struct {
	store    Store
	provider IdentityProvider
	cfg      config.SessionConfig
	logger   *zap.Logger
}

func NewManager(store Store, provider IdentityProvider, cfg config.SessionConfig, logger *zap.Logger) *Manager {
	if logger == nil {
		logger = util.Get()
	}
	return &Manager{
		store:    store,
		provider: provider,
		cfg:      cfg,
		logger:   logger,
	}
}

// StartVerification asks the identity provider to send an OTP code to the
// citizen's registered email.
func (m *Manager) StartVerification(ctx context.Context, documentType, documentNumber string) (*identity.OTPChallenge, error) {
	challenge, err := m.provider.RequestOTP(ctx, documentType, documentNumber)
	if err != nil {
		return nil, m.mapIdentityError(err)
	}
	return challenge, nil
}

// SubmitOTP validates a submitted code. The local attempt counter is
// checked first: at zero the submission is rejected before any upstream
// call. A pass stores the credential set and resets the counter; a
// mismatch burns exactly one attempt.
func (m *Manager) SubmitOTP(ctx context.Context, documentType, documentNumber, otpCode string) (*OTPOutcome, error) {
	attempts, err := m.store.AttemptsRemaining(ctx, documentNumber)
	if err != nil {
		return nil, NewError(CodeInternalError, "Could not read the verification state. Please try again.")
	}
	if attempts <= 0 {
		m.logger.Warn("OTP submission rejected, attempts exhausted",
			zap.String("citizen", util.MaskDocument(documentNumber)))
		return &OTPOutcome{Verified: false, AttemptsRemaining: 0, Message: errOTPExhausted.Message}, errOTPExhausted
	}

	result, err := m.provider.Login(ctx, documentType, documentNumber, otpCode)
	if err == nil {
		cred := Credentials{
			AccessToken:  result.AccessToken,
			RefreshToken: result.RefreshToken,
			TokenType:    result.TokenType,
			CreatedAt:    time.Now().UTC(),
			ExpiresIn:    result.ExpiresIn,
		}
		if saveErr := m.store.SaveCredentials(ctx, documentNumber, documentType, cred, result.Profile); saveErr != nil {
			return nil, NewError(CodeInternalError, "The code was valid but the session could not be stored. Please try again.")
		}
		m.logger.Info("OTP verified, session established",
			zap.String("citizen", util.MaskDocument(documentNumber)))
		return &OTPOutcome{
			Verified:          true,
			AttemptsRemaining: m.cfg.MaxOTPAttempts,
			Message:           "OTP code accepted",
		}, nil
	}

	switch {
	case errors.Is(err, identity.ErrOTPInvalid):
		remaining, decErr := m.store.DecrementAttempts(ctx, documentNumber)
		if decErr != nil {
			return nil, NewError(CodeInternalError, "Could not update the verification state. Please try again.")
		}
		m.logger.Warn("OTP mismatch",
			zap.String("citizen", util.MaskDocument(documentNumber)),
			zap.Int("attempts_remaining", remaining))
		outcome := &OTPOutcome{
			Verified:          false,
			AttemptsRemaining: remaining,
			Message:           fmt.Sprintf("Incorrect code. %d attempt(s) remaining.", remaining),
		}
		if remaining == 0 {
			return outcome, errOTPExhausted
		}
		return outcome, NewError(CodeOTPInvalid, outcome.Message)
	case errors.Is(err, identity.ErrOTPExpired):
		return &OTPOutcome{Verified: false, AttemptsRemaining: attempts},
			NewError(CodeOTPExpired, "The code expired. Please request a new one.")
	case errors.Is(err, identity.ErrOTPExhausted):
		return &OTPOutcome{Verified: false, AttemptsRemaining: 0}, errOTPExhausted
	default:
		return nil, m.mapIdentityError(err)
	}
}

// EnsureUsableToken returns an access token good for at least the refresh
// threshold. It reads the session record, validates the cached token and
// refreshes it when it is about to expire, persisting the replacement
// quadruple atomically. A failed refresh means the citizen must
// re-authenticate; the flow is never restarted implicitly.
func (m *Manager) EnsureUsableToken(ctx context.Context, citizenID string) (string, error) {
	rec, err := m.store.Get(ctx, citizenID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return "", errSessionNotFound
		}
		return "", NewError(CodeInternalError, "Could not read the session. Please try again.")
	}
	if rec.Credentials.AccessToken == "" {
		// Record exists from OTP attempts alone; never authenticated.
		return "", errSessionNotFound
	}

	status, err := m.provider.ValidateToken(ctx, rec.Credentials.AccessToken)
	if err != nil {
		return "", m.mapIdentityError(err)
	}

	threshold := m.cfg.RefreshThreshold.Milliseconds()
	if status.Valid && status.TimeToExpireMs > threshold {
		return rec.Credentials.AccessToken, nil
	}

	if rec.Credentials.RefreshToken == "" {
		m.logger.Warn("Token expiring with no refresh token on record",
			zap.String("citizen", util.MaskDocument(citizenID)))
		return "", errSessionExpired
	}

	pair, err := m.provider.RefreshToken(ctx, rec.Credentials.RefreshToken)
	if err != nil {
		m.logger.Warn("Token refresh rejected",
			zap.String("citizen", util.MaskDocument(citizenID)),
			zap.Error(err))
		return "", errSessionExpired
	}

	cred := Credentials{
		AccessToken:  pair.AccessToken,
		RefreshToken: pair.RefreshToken,
		TokenType:    rec.Credentials.TokenType,
		CreatedAt:    time.Now().UTC(),
		ExpiresIn:    pair.ExpiresIn,
	}
	if cred.TokenType == "" {
		cred.TokenType = "Bearer"
	}
	if err := m.store.UpdateCredentials(ctx, citizenID, cred); err != nil {
		return "", NewError(CodeInternalError, "The refreshed credential could not be stored. Please try again.")
	}

	m.logger.Info("Access token refreshed",
		zap.String("citizen", util.MaskDocument(citizenID)),
		zap.Int64("time_to_expire_ms", status.TimeToExpireMs))
	return pair.AccessToken, nil
}

// AddSelection appends a property to the citizen's certificate selection
// set. Duplicates are accepted as no-ops; a fourth distinct property is
// rejected with LIMIT_REACHED.
func (m *Manager) AddSelection(ctx context.Context, citizenID, propertyID string) (SelectionResult, error) {
	if _, err := m.store.Get(ctx, citizenID); err != nil {
		if errors.Is(err, ErrNotFound) {
			return SelectionResult{}, errSessionNotFound
		}
		return SelectionResult{}, NewError(CodeInternalError, "Could not read the session. Please try again.")
	}

	result, err := m.store.AddSelection(ctx, citizenID, propertyID)
	if err != nil {
		return SelectionResult{}, NewError(CodeInternalError, "The selection could not be stored. Please try again.")
	}
	if result.LimitReached && !result.Accepted {
		return result, errLimitReached
	}
	return result, nil
}

// Record returns the stored session record for citizenID.
func (m *Manager) Record(ctx context.Context, citizenID string) (*Record, error) {
	rec, err := m.store.Get(ctx, citizenID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, errSessionNotFound
		}
		return nil, NewError(CodeInternalError, "Could not read the session. Please try again.")
	}
	return rec, nil
}

func (m *Manager) mapIdentityError(err error) error {
	var exhausted *retry.ExhaustedError
	switch {
	case errors.As(err, &exhausted):
		return NewError(CodeUpstreamError,
			fmt.Sprintf("The identity service did not respond after %d attempts. Please try again later.", exhausted.Attempts))
	case errors.Is(err, identity.ErrIdentityNotFound):
		return NewError(CodeIdentityNotFound, "No citizen was found for that document.")
	case errors.Is(err, identity.ErrTokenInvalid):
		return errSessionExpired
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return NewError(CodeUpstreamError, "The operation was cancelled before completing.")
	default:
		m.logger.Error("Unexpected identity provider failure", zap.Error(err))
		return NewError(CodeUpstreamError, "The identity service failed. Please try again later.")
	}
}
