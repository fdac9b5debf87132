package identity

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"go.uber.org/zap"

	"catia-session/internal/config"
	"catia-session/internal/retry"
	"catia-session/internal/util"
)

// Upstream rejections, distinguished so callers can drive the attempt
// counter and the re-authentication flow.
var (
	ErrIdentityNotFound = errors.New("identity not found upstream")
	ErrOTPInvalid       = errors.New("otp code mismatch")
	ErrOTPExhausted     = errors.New("otp attempts exhausted upstream")
	ErrOTPExpired       = errors.New("otp code expired")
	ErrTokenInvalid     = errors.New("token rejected upstream")
	ErrUpstream         = errors.New("upstream identity error")
)

// OTPChallenge is the result of requesting a one-time code.
type OTPChallenge struct {
	ObfuscatedEmail  string `json:"obfuscatedEmail"`
	ExpiresInMinutes int    `json:"expiresInMinutes"`
}

// UserProfile is the denormalised citizen snapshot returned at login.
type UserProfile struct {
	Name           string `json:"name"`
	Surname        string `json:"surname"`
	Email          string `json:"email"`
	DocumentNumber string `json:"documentNumber"`
}

// LoginResult carries the credential pair minted for a validated OTP.
type LoginResult struct {
	AccessToken  string
	RefreshToken string
	TokenType    string
	ExpiresIn    int64
	Profile      UserProfile
}

// TokenStatus reports upstream validation of an access token.
type TokenStatus struct {
	Valid          bool
	TimeToExpireMs int64
}

// TokenPair is the result of a refresh.
type TokenPair struct {
	AccessToken  string
	RefreshToken string
	ExpiresIn    int64
}

type apiEnvelope struct {
	Success   bool            `json:"success"`
	Message   string          `json:"message"`
	ErrorCode string          `json:"errorCode"`
	Data      json.RawMessage `json:"data"`

	statusCode int
}

// Client talks to the upstream identity provider. Every call goes through
// the retry executor; transient transport failures are retried, well-formed
// rejections are not.
type Client struct {
	httpClient *http.Client
	baseURL    string
	exec       *retry.Executor
	logger     *zap.Logger
}

func NewClient(cfg config.IdentityConfig, logger *zap.Logger) *Client {
	if logger == nil {
		logger = util.Get()
	}
	return &Client{
		httpClient: &http.Client{Timeout: cfg.RequestTimeout},
		baseURL:    strings.TrimRight(cfg.BaseURL, "/"),
		exec: retry.NewExecutor(retry.Policy{
			MaxRetries:     cfg.MaxRetries,
			InitialBackoff: cfg.InitialBackoff,
			MaxBackoff:     cfg.MaxBackoff,
		}, logger),
		logger: logger,
	}
}

// RequestOTP triggers delivery of a one-time code to the citizen's
// registered email.
func (c *Client) RequestOTP(ctx context.Context, documentType, documentNumber string) (*OTPChallenge, error) {
	payload := map[string]interface{}{
		"documentType":   documentType,
		"documentNumber": documentNumber,
		"validInput":     true,
	}

	env, err := c.call(ctx, "request-otp", http.MethodPost, "/auth/temp-key", payload, "")
	if err != nil {
		return nil, err
	}
	if !env.Success {
		if env.ErrorCode == "IDENTITY_NOT_FOUND" || env.statusCode == http.StatusNotFound {
			return nil, fmt.Errorf("%w: %s", ErrIdentityNotFound, env.Message)
		}
		return nil, fmt.Errorf("%w: %s", ErrUpstream, env.Message)
	}

	var challenge OTPChallenge
	if err := json.Unmarshal(env.Data, &challenge); err != nil {
		return nil, fmt.Errorf("failed to decode temp-key response: %w", err)
	}

	c.logger.Info("OTP challenge issued",
		zap.String("document", util.MaskDocument(documentNumber)),
		zap.Int("expires_in_minutes", challenge.ExpiresInMinutes),
	)
	return &challenge, nil
}

// Login exchanges a submitted OTP code for a credential pair.
func (c *Client) Login(ctx context.Context, documentType, documentNumber, otpCode string) (*LoginResult, error) {
	payload := map[string]interface{}{
		"documentType":   documentType,
		"documentNumber": documentNumber,
		"temporaryKey":   otpCode,
		"validInput":     true,
	}

	env, err := c.call(ctx, "login", http.MethodPost, "/auth/login", payload, "")
	if err != nil {
		return nil, err
	}
	if !env.Success {
		return nil, c.mapLoginRejection(env)
	}

	var data struct {
		Token        string      `json:"token"`
		RefreshToken string      `json:"refreshToken"`
		TokenType    string      `json:"tokenType"`
		ExpiresIn    int64       `json:"expiresIn"`
		User         UserProfile `json:"user"`
	}
	if err := json.Unmarshal(env.Data, &data); err != nil {
		return nil, fmt.Errorf("failed to decode login response: %w", err)
	}
	if data.TokenType == "" {
		data.TokenType = "Bearer"
	}
	if data.ExpiresIn == 0 {
		data.ExpiresIn = 86400
	}
	if data.User.DocumentNumber == "" {
		data.User.DocumentNumber = documentNumber
	}

	c.logger.Info("Login succeeded",
		zap.String("document", util.MaskDocument(documentNumber)),
		zap.String("token", util.MaskToken(data.Token)),
		zap.Int64("expires_in", data.ExpiresIn),
	)

	return &LoginResult{
		AccessToken:  data.Token,
		RefreshToken: data.RefreshToken,
		TokenType:    data.TokenType,
		ExpiresIn:    data.ExpiresIn,
		Profile:      data.User,
	}, nil
}

func (c *Client) mapLoginRejection(env *apiEnvelope) error {
	switch env.ErrorCode {
	case "OTP_EXHAUSTED":
		return fmt.Errorf("%w: %s", ErrOTPExhausted, env.Message)
	case "OTP_EXPIRED":
		return fmt.Errorf("%w: %s", ErrOTPExpired, env.Message)
	case "OTP_INVALID", "":
		if strings.Contains(strings.ToLower(env.Message), "expir") {
			return fmt.Errorf("%w: %s", ErrOTPExpired, env.Message)
		}
		return fmt.Errorf("%w: %s", ErrOTPInvalid, env.Message)
	default:
		return fmt.Errorf("%w: %s", ErrUpstream, env.Message)
	}
}

// ValidateToken asks upstream whether an access token is still usable and
// how long it has left.
func (c *Client) ValidateToken(ctx context.Context, accessToken string) (*TokenStatus, error) {
	env, err := c.call(ctx, "validate-token", http.MethodGet, "/auth/validate-token", nil, accessToken)
	if err != nil {
		return nil, err
	}
	if env.statusCode == http.StatusUnauthorized {
		return &TokenStatus{Valid: false}, nil
	}

	var data struct {
		Valid     bool `json:"valid"`
		TokenInfo struct {
			TimeToExpireMs int64 `json:"timeToExpireMs"`
		} `json:"tokenInfo"`
	}
	if err := json.Unmarshal(env.Data, &data); err != nil {
		return nil, fmt.Errorf("failed to decode validate-token response: %w", err)
	}

	return &TokenStatus{
		Valid:          data.Valid,
		TimeToExpireMs: data.TokenInfo.TimeToExpireMs,
	}, nil
}

// RefreshToken mints a new credential pair from a refresh token.
func (c *Client) RefreshToken(ctx context.Context, refreshToken string) (*TokenPair, error) {
	payload := map[string]interface{}{
		"refreshToken": refreshToken,
	}

	env, err := c.call(ctx, "refresh-token", http.MethodPost, "/auth/refresh", payload, "")
	if err != nil {
		return nil, err
	}
	if !env.Success {
		return nil, fmt.Errorf("%w: %s", ErrTokenInvalid, env.Message)
	}

	var data struct {
		Token        string `json:"token"`
		RefreshToken string `json:"refreshToken"`
		ExpiresIn    int64  `json:"expiresIn"`
	}
	if err := json.Unmarshal(env.Data, &data); err != nil {
		return nil, fmt.Errorf("failed to decode refresh response: %w", err)
	}
	if data.ExpiresIn == 0 {
		data.ExpiresIn = 86400
	}

	return &TokenPair{
		AccessToken:  data.Token,
		RefreshToken: data.RefreshToken,
		ExpiresIn:    data.ExpiresIn,
	}, nil
}

// call performs one retried HTTP exchange. Connection failures, timeouts,
// empty bodies and unparseable payloads count as transient; anything with a
// parseable envelope comes back for the caller to interpret.
func (c *Client) call(ctx context.Context, operation, method, path string, payload interface{}, bearer string) (*apiEnvelope, error) {
	var result *apiEnvelope

	err := c.exec.Do(ctx, operation, func() error {
		var body io.Reader
		if payload != nil {
			encoded, err := json.Marshal(payload)
			if err != nil {
				return fmt.Errorf("failed to encode %s payload: %w", operation, err)
			}
			body = bytes.NewReader(encoded)
		}

		req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
		if err != nil {
			return fmt.Errorf("failed to build %s request: %w", operation, err)
		}
		req.Header.Set("Content-Type", "application/json")
		if bearer != "" {
			req.Header.Set("Authorization", "Bearer "+bearer)
		}

		resp, err := c.httpClient.Do(req)
		if err != nil {
			return retry.Transientf("%s request failed: %v", operation, err)
		}
		defer resp.Body.Close()

		raw, err := io.ReadAll(resp.Body)
		if err != nil {
			return retry.Transientf("%s response read failed: %v", operation, err)
		}
		if len(raw) == 0 {
			return retry.Transientf("%s returned an empty response body", operation)
		}

		var env apiEnvelope
		if err := json.Unmarshal(raw, &env); err != nil {
			return retry.Transientf("%s returned an unparseable body: %v", operation, err)
		}
		env.statusCode = resp.StatusCode

		result = &env
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}
