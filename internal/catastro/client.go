package catastro

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"go.uber.org/zap"

	"catia-session/internal/config"
	"catia-session/internal/retry"
	"catia-session/internal/util"
)

// Registral circles, keyed by the zone names citizens actually use.
var zoneToCircle = map[string]string{
	"NORTE":  "050N",
	"CENTRO": "050C",
	"SUR":    "050S",
}

var (
	ErrPropertyNotFound    = errors.New("no property matched the query")
	ErrNoProperties        = errors.New("no properties associated with the citizen")
	ErrTokenExpired        = errors.New("cadastral API rejected the token")
	ErrUserInactive        = errors.New("citizen is not active in the cadastral registry")
	ErrNoSecurityQuestions = errors.New("citizen has no security questions on file")
	ErrInvalidZone         = errors.New("zone must be NORTE, CENTRO or SUR")
	ErrUpstream            = errors.New("cadastral API error")
)

// Property is one cadastral record as the upstream API reports it. Field
// tags follow the upstream Spanish payload.
type Property struct {
	Chip           string  `json:"chip"`
	Address        string  `json:"direccion"`
	Registration   string  `json:"matricula"`
	Kind           string  `json:"tipo"`
	CadastralValue float64 `json:"avaluoCatastral"`
	Area           float64 `json:"area"`
}

// PropertyCount summarises how many properties a citizen owns.
type PropertyCount struct {
	Count   int    `json:"count"`
	Message string `json:"message"`
}

type apiEnvelope struct {
	Success   bool            `json:"success"`
	Message   string          `json:"message"`
	ErrorCode string          `json:"errorCode"`
	Data      json.RawMessage `json:"data"`

	statusCode int
}

// Client talks to the upstream cadastral API. Lookups, counts and
// certificate generation carry separate retry budgets; certificate
// generation tolerates a far longer backoff window because the upstream
// report service is slow under load.
type Client struct {
	httpClient *http.Client
	baseURL    string
	lookupExec *retry.Executor
	countExec  *retry.Executor
	certExec   *retry.Executor
	logger     *zap.Logger
}

func NewClient(cfg config.CatastroConfig, logger *zap.Logger) *Client {
	if logger == nil {
		logger = util.Get()
	}
	return &Client{
		httpClient: &http.Client{Timeout: cfg.RequestTimeout},
		baseURL:    strings.TrimRight(cfg.BaseURL, "/"),
		lookupExec: retry.NewExecutor(retry.Policy{
			MaxRetries:     cfg.LookupMaxRetries,
			InitialBackoff: cfg.InitialBackoff,
			MaxBackoff:     cfg.LookupMaxBackoff,
		}, logger),
		countExec: retry.NewExecutor(retry.Policy{
			MaxRetries:     cfg.CountMaxRetries,
			InitialBackoff: cfg.InitialBackoff,
			MaxBackoff:     cfg.CountMaxBackoff,
		}, logger),
		certExec: retry.NewExecutor(retry.Policy{
			MaxRetries:     cfg.CertMaxRetries,
			InitialBackoff: cfg.InitialBackoff,
			MaxBackoff:     cfg.CertMaxBackoff,
		}, logger),
		logger: logger,
	}
}

// CountProperties reports how many properties the token's citizen owns.
func (c *Client) CountProperties(ctx context.Context, token string) (*PropertyCount, error) {
	env, err := c.call(ctx, c.countExec, "count-properties", "/properties/count", token)
	if err != nil {
		return nil, err
	}
	if mapped := c.mapStatus(env); mapped != nil {
		return nil, mapped
	}

	var count PropertyCount
	if len(env.Data) > 0 {
		if err := json.Unmarshal(env.Data, &count); err != nil {
			return nil, fmt.Errorf("failed to decode property count: %w", err)
		}
	}
	if count.Message == "" {
		count.Message = env.Message
	}
	return &count, nil
}

// ListProperties returns every property associated with the token's
// citizen. A citizen with no properties gets ErrNoProperties, not an empty
// slice, so the conversational flow can phrase the answer.
func (c *Client) ListProperties(ctx context.Context, token string) ([]Property, error) {
	env, err := c.call(ctx, c.lookupExec, "list-properties", "/properties", token)
	if err != nil {
		return nil, err
	}
	if env.statusCode == http.StatusNotFound {
		return nil, fmt.Errorf("%w: %s", ErrNoProperties, env.Message)
	}
	if mapped := c.mapStatus(env); mapped != nil {
		return nil, mapped
	}

	var properties []Property
	if len(env.Data) > 0 {
		if err := json.Unmarshal(env.Data, &properties); err != nil {
			return nil, fmt.Errorf("failed to decode property list: %w", err)
		}
	}
	if len(properties) == 0 {
		return nil, ErrNoProperties
	}

	c.logger.Info("Properties listed", zap.Int("total", len(properties)))
	return properties, nil
}

// SearchByChip finds a single property by its CHIP code. Dashes in the
// code are cosmetic and removed before the call.
func (c *Client) SearchByChip(ctx context.Context, token, chip string) (*Property, error) {
	cleaned := strings.TrimSpace(strings.ReplaceAll(chip, "-", ""))
	if cleaned == "" {
		return nil, fmt.Errorf("%w: empty chip", ErrPropertyNotFound)
	}

	env, err := c.call(ctx, c.lookupExec, "search-by-chip", "/properties/chip/"+url.PathEscape(cleaned), token)
	if err != nil {
		return nil, err
	}
	return c.decodeSingle(env, cleaned)
}

// SearchByAddress finds properties by street address. The address goes in
// the path, URL-escaped.
func (c *Client) SearchByAddress(ctx context.Context, token, address string) ([]Property, error) {
	trimmed := strings.TrimSpace(address)
	if trimmed == "" {
		return nil, fmt.Errorf("%w: empty address", ErrPropertyNotFound)
	}

	env, err := c.call(ctx, c.lookupExec, "search-by-address", "/properties/address/"+url.PathEscape(trimmed), token)
	if err != nil {
		return nil, err
	}
	if env.statusCode == http.StatusNotFound {
		return nil, fmt.Errorf("%w: %s", ErrPropertyNotFound, env.Message)
	}
	if mapped := c.mapStatus(env); mapped != nil {
		return nil, mapped
	}

	var properties []Property
	if len(env.Data) > 0 {
		if err := json.Unmarshal(env.Data, &properties); err != nil {
			// Some upstream versions return a single object for an
			// exact address match.
			var single Property
			if err2 := json.Unmarshal(env.Data, &single); err2 != nil {
				return nil, fmt.Errorf("failed to decode address search result: %w", err)
			}
			properties = []Property{single}
		}
	}
	if len(properties) == 0 {
		return nil, ErrPropertyNotFound
	}
	return properties, nil
}

// SearchByRegistration finds a property by registral matricula within a
// zone. The zone selects the registral circle; circle prefixes and dashes
// in the matricula are stripped before the call.
func (c *Client) SearchByRegistration(ctx context.Context, token, zone, registration string) (*Property, error) {
	normalizedZone := strings.ToUpper(strings.TrimSpace(zone))
	if _, ok := zoneToCircle[normalizedZone]; !ok {
		return nil, fmt.Errorf("%w: %q", ErrInvalidZone, zone)
	}

	cleaned := strings.TrimSpace(registration)
	for _, circle := range zoneToCircle {
		if strings.HasPrefix(cleaned, circle) {
			cleaned = cleaned[len(circle):]
			break
		}
	}
	cleaned = strings.ReplaceAll(cleaned, "-", "")
	if cleaned == "" {
		return nil, fmt.Errorf("%w: empty registration", ErrPropertyNotFound)
	}

	path := "/properties/matricula/" + url.PathEscape(normalizedZone) + "/" + url.PathEscape(cleaned)
	env, err := c.call(ctx, c.lookupExec, "search-by-registration", path, token)
	if err != nil {
		return nil, err
	}

	c.logger.Debug("Registration search",
		zap.String("zone", normalizedZone),
		zap.String("circle", zoneToCircle[normalizedZone]),
		zap.String("registration", cleaned),
	)
	return c.decodeSingle(env, cleaned)
}

// GenerateCertificate requests a certificate of tradition for a property.
// The document itself is mailed to the citizen by the upstream service;
// the returned request number is the tracking reference.
func (c *Client) GenerateCertificate(ctx context.Context, token, chip string) (string, error) {
	cleaned := strings.TrimSpace(strings.ReplaceAll(chip, "-", ""))
	if cleaned == "" {
		return "", fmt.Errorf("%w: empty chip", ErrPropertyNotFound)
	}

	path := "/reports/certification/property/" + url.PathEscape(cleaned)
	env, err := c.call(ctx, c.certExec, "generate-certificate", path, token)
	if err != nil {
		return "", err
	}
	if env.statusCode == http.StatusNotFound {
		return "", fmt.Errorf("%w: %s", ErrPropertyNotFound, env.Message)
	}
	if mapped := c.mapStatus(env); mapped != nil {
		return "", mapped
	}

	var data struct {
		RequestNumber string `json:"requestNumber"`
	}
	if len(env.Data) > 0 {
		if err := json.Unmarshal(env.Data, &data); err != nil {
			return "", fmt.Errorf("failed to decode certificate response: %w", err)
		}
	}

	c.logger.Info("Certificate requested",
		zap.String("chip", cleaned),
		zap.String("request_number", data.RequestNumber),
	)
	return data.RequestNumber, nil
}

// mapStatus translates upstream failure statuses into sentinel errors.
func (c *Client) mapStatus(env *apiEnvelope) error {
	switch env.statusCode {
	case http.StatusOK:
		if env.Success {
			return nil
		}
		return fmt.Errorf("%w: %s", ErrUpstream, env.Message)
	case http.StatusUnauthorized:
		return ErrTokenExpired
	case http.StatusMethodNotAllowed:
		return fmt.Errorf("%w: %s", ErrUserInactive, env.Message)
	case http.StatusNotAcceptable:
		return fmt.Errorf("%w: %s", ErrNoSecurityQuestions, env.Message)
	default:
		return fmt.Errorf("%w: status %d: %s", ErrUpstream, env.statusCode, env.Message)
	}
}

func (c *Client) decodeSingle(env *apiEnvelope, query string) (*Property, error) {
	if env.statusCode == http.StatusNotFound {
		return nil, fmt.Errorf("%w: %s", ErrPropertyNotFound, query)
	}
	if mapped := c.mapStatus(env); mapped != nil {
		return nil, mapped
	}

	var property Property
	if err := json.Unmarshal(env.Data, &property); err != nil {
		return nil, fmt.Errorf("failed to decode property: %w", err)
	}
	if property.Chip == "" {
		return nil, fmt.Errorf("%w: %s", ErrPropertyNotFound, query)
	}
	return &property, nil
}

// call performs one retried GET against the cadastral API. Transport
// failures, empty bodies and unparseable payloads are transient; a
// parseable envelope always comes back for interpretation.
func (c *Client) call(ctx context.Context, exec *retry.Executor, operation, path, token string) (*apiEnvelope, error) {
	var result *apiEnvelope

	err := exec.Do(ctx, operation, func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
		if err != nil {
			return fmt.Errorf("failed to build %s request: %w", operation, err)
		}
		req.Header.Set("Accept", "application/json")
		req.Header.Set("Authorization", "Bearer "+token)

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
