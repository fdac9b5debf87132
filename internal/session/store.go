package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"catia-session/internal/client"
	"catia-session/internal/config"
	"catia-session/internal/encryption"
	"catia-session/internal/identity"
	"catia-session/internal/util"
)

const sessionKeyPrefix = "citizen_session:"

// Store persists one session record per citizen document. Implementations
// must make the attempt counter and the selection set atomic
// read-modify-writes; a full-record overwrite is not acceptable for either.
type Store interface {
	Get(ctx context.Context, citizenID string) (*Record, error)
	SaveCredentials(ctx context.Context, citizenID, documentType string, cred Credentials, profile identity.UserProfile) error
	UpdateCredentials(ctx context.Context, citizenID string, cred Credentials) error
	AttemptsRemaining(ctx context.Context, citizenID string) (int, error)
	DecrementAttempts(ctx context.Context, citizenID string) (int, error)
	AddSelection(ctx context.Context, citizenID, propertyID string) (SelectionResult, error)
}

// Attempt decrement is a single script so two concurrent handler
// invocations for the same citizen cannot interleave. A record that does
// not exist yet starts from the configured maximum.
const decrementAttemptsScript = `
local current = redis.call('HGET', KEYS[1], 'attemptsRemaining')
if current == false then
  current = tonumber(ARGV[2])
else
  current = tonumber(current)
end
local remaining = current - 1
if remaining < 0 then
  remaining = 0
end
redis.call('HSET', KEYS[1], 'attemptsRemaining', remaining)
if redis.call('TTL', KEYS[1]) < 0 then
  redis.call('EXPIRE', KEYS[1], tonumber(ARGV[1]))
end
return remaining
`

// Selection append: idempotent on duplicates, rejected past the limit,
// ordered otherwise. Returns {accepted, total, limitReached}.
const addSelectionScript = `
local raw = redis.call('HGET', KEYS[1], 'selectedPropertyIds')
local list = {}
if raw ~= false then
  list = cjson.decode(raw)
end
for _, id in ipairs(list) do
  if id == ARGV[1] then
    return {1, #list, 0}
  end
end
if #list >= tonumber(ARGV[2]) then
  return {0, #list, 1}
end
table.insert(list, ARGV[1])
redis.call('HSET', KEYS[1], 'selectedPropertyIds', cjson.encode(list))
if redis.call('TTL', KEYS[1]) < 0 then
  redis.call('EXPIRE', KEYS[1], tonumber(ARGV[3]))
end
return {1, #list, 0}
`

// RedisStore keeps each record in one Redis hash with the session TTL.
// Expired records become invisible to reads; nothing ever deletes them
// explicitly.
type RedisStore struct {
	client *client.RedisClient
	sealer *encryption.TokenSealer
	cfg    config.SessionConfig
}

func NewRedisStore(rdb *client.RedisClient, sealer *encryption.TokenSealer, cfg config.SessionConfig) *RedisStore {
	return &RedisStore{client: rdb, sealer: sealer, cfg: cfg}
}

func sessionKey(citizenID string) string {
	return sessionKeyPrefix + citizenID
}

func (s *RedisStore) ttlSeconds() int {
	return int(s.cfg.TTL / time.Second)
}

func (s *RedisStore) Get(ctx context.Context, citizenID string) (*Record, error) {
	fields, err := s.client.HGetAll(ctx, sessionKey(citizenID))
	if err != nil {
		if errors.Is(err, client.ErrKeyNotFound) {
			return nil, ErrNotFound
		}
		util.Error("Failed to read session record",
			zap.String("citizen", util.MaskDocument(citizenID)),
			zap.Error(err))
		return nil, fmt.Errorf("failed to read session record: %w", err)
	}

	rec := &Record{
		CitizenID:         fields[fieldCitizenID],
		DocumentType:      fields[fieldDocumentType],
		AttemptsRemaining: s.cfg.MaxOTPAttempts,
	}
	if rec.CitizenID == "" {
		rec.CitizenID = citizenID
	}

	if raw, ok := fields[fieldAttempts]; ok {
		n, err := strconv.Atoi(raw)
		if err != nil {
			return nil, fmt.Errorf("invalid attempt count format: %w", err)
		}
		rec.AttemptsRemaining = n
	}

	rec.Credentials = Credentials{
		AccessToken:  fields[fieldAccessToken],
		RefreshToken: fields[fieldRefreshToken],
		TokenType:    fields[fieldTokenType],
	}
	if raw, ok := fields[fieldCreatedAt]; ok {
		if sec, err := strconv.ParseInt(raw, 10, 64); err == nil {
			rec.Credentials.CreatedAt = time.Unix(sec, 0).UTC()
		}
	}
	if raw, ok := fields[fieldExpiresIn]; ok {
		if n, err := strconv.ParseInt(raw, 10, 64); err == nil {
			rec.Credentials.ExpiresIn = n
		}
	}

	if s.sealer != nil {
		if rec.Credentials.AccessToken != "" {
			if rec.Credentials.AccessToken, err = s.sealer.Open(ctx, rec.Credentials.AccessToken); err != nil {
				return nil, fmt.Errorf("failed to unseal access token: %w", err)
			}
		}
		if rec.Credentials.RefreshToken != "" {
			if rec.Credentials.RefreshToken, err = s.sealer.Open(ctx, rec.Credentials.RefreshToken); err != nil {
				return nil, fmt.Errorf("failed to unseal refresh token: %w", err)
			}
		}
	}

	if raw, ok := fields[fieldProfile]; ok && raw != "" {
		if err := json.Unmarshal([]byte(raw), &rec.Profile); err != nil {
			return nil, fmt.Errorf("invalid user profile in session record: %w", err)
		}
	}
	if raw, ok := fields[fieldSelections]; ok && raw != "" {
		if err := json.Unmarshal([]byte(raw), &rec.SelectedProperties); err != nil {
			return nil, fmt.Errorf("invalid selections in session record: %w", err)
		}
	}

	return rec, nil
}

// SaveCredentials writes the full credential set after a successful OTP
// validation: token quadruple, profile snapshot, attempt counter reset to
// the maximum, TTL restarted. All of it lands in one MULTI/EXEC.
func (s *RedisStore) SaveCredentials(ctx context.Context, citizenID, documentType string, cred Credentials, profile identity.UserProfile) error {
	sealed, err := s.sealCredentials(ctx, cred)
	if err != nil {
		return err
	}

	profileJSON, err := json.Marshal(profile)
	if err != nil {
		return fmt.Errorf("failed to marshal user profile: %w", err)
	}

	key := sessionKey(citizenID)
	pipe := s.client.TxPipeline()
	pipe.HSet(ctx, key, map[string]interface{}{
		fieldCitizenID:    citizenID,
		fieldDocumentType: documentType,
		fieldAccessToken:  sealed.AccessToken,
		fieldRefreshToken: sealed.RefreshToken,
		fieldTokenType:    cred.TokenType,
		fieldCreatedAt:    cred.CreatedAt.Unix(),
		fieldExpiresIn:    cred.ExpiresIn,
		fieldAttempts:     s.cfg.MaxOTPAttempts,
		fieldProfile:      string(profileJSON),
	})
	pipe.Expire(ctx, key, s.cfg.TTL)

	if _, err := pipe.Exec(ctx); err != nil {
		util.Error("Failed to save session credentials",
			zap.String("citizen", util.MaskDocument(citizenID)),
			zap.Error(err))
		return fmt.Errorf("failed to save session credentials: %w", err)
	}

	util.Info("Session credentials saved",
		zap.String("citizen", util.MaskDocument(citizenID)),
		zap.Duration("ttl", s.cfg.TTL))
	return nil
}

// UpdateCredentials replaces the token quadruple after a refresh. The four
// fields move together; the session TTL restarts.
func (s *RedisStore) UpdateCredentials(ctx context.Context, citizenID string, cred Credentials) error {
	sealed, err := s.sealCredentials(ctx, cred)
	if err != nil {
		return err
	}

	key := sessionKey(citizenID)
	pipe := s.client.TxPipeline()
	pipe.HSet(ctx, key, map[string]interface{}{
		fieldAccessToken:  sealed.AccessToken,
		fieldRefreshToken: sealed.RefreshToken,
		fieldCreatedAt:    cred.CreatedAt.Unix(),
		fieldExpiresIn:    cred.ExpiresIn,
	})
	pipe.Expire(ctx, key, s.cfg.TTL)

	if _, err := pipe.Exec(ctx); err != nil {
		util.Error("Failed to update session credentials",
			zap.String("citizen", util.MaskDocument(citizenID)),
			zap.Error(err))
		return fmt.Errorf("failed to update session credentials: %w", err)
	}

	util.Debug("Session credentials refreshed",
		zap.String("citizen", util.MaskDocument(citizenID)))
	return nil
}

func (s *RedisStore) sealCredentials(ctx context.Context, cred Credentials) (Credentials, error) {
	if s.sealer == nil {
		return cred, nil
	}
	var err error
	if cred.AccessToken != "" {
		if cred.AccessToken, err = s.sealer.Seal(ctx, cred.AccessToken); err != nil {
			return cred, fmt.Errorf("failed to seal access token: %w", err)
		}
	}
	if cred.RefreshToken != "" {
		if cred.RefreshToken, err = s.sealer.Seal(ctx, cred.RefreshToken); err != nil {
			return cred, fmt.Errorf("failed to seal refresh token: %w", err)
		}
	}
	return cred, nil
}

func (s *RedisStore) AttemptsRemaining(ctx context.Context, citizenID string) (int, error) {
	raw, err := s.client.Client.HGet(ctx, sessionKey(citizenID), fieldAttempts).Result()
	if errors.Is(err, redis.Nil) {
		// First interaction: no record yet, full budget.
		return s.cfg.MaxOTPAttempts, nil
	}
	if err != nil {
		return 0, fmt.Errorf("failed to read OTP attempts: %w", err)
	}
	n, convErr := strconv.Atoi(raw)
	if convErr != nil {
		util.Error("Invalid attempt count format",
			zap.String("citizen", util.MaskDocument(citizenID)),
			zap.String("value", raw))
		return 0, fmt.Errorf("invalid attempt count format: %w", convErr)
	}
	return n, nil
}

func (s *RedisStore) DecrementAttempts(ctx context.Context, citizenID string) (int, error) {
	res, err := s.client.Eval(ctx, decrementAttemptsScript,
		[]string{sessionKey(citizenID)},
		s.ttlSeconds(), s.cfg.MaxOTPAttempts)
	if err != nil {
		util.Error("Failed to decrement OTP attempts",
			zap.String("citizen", util.MaskDocument(citizenID)),
			zap.Error(err))
		return 0, fmt.Errorf("failed to decrement OTP attempts: %w", err)
	}

	remaining, ok := res.(int64)
	if !ok {
		return 0, fmt.Errorf("unexpected decrement result type %T", res)
	}

	util.Debug("OTP attempts decremented",
		zap.String("citizen", util.MaskDocument(citizenID)),
		zap.Int64("remaining", remaining))
	return int(remaining), nil
}

func (s *RedisStore) AddSelection(ctx context.Context, citizenID, propertyID string) (SelectionResult, error) {
	res, err := s.client.Eval(ctx, addSelectionScript,
		[]string{sessionKey(citizenID)},
		propertyID, s.cfg.MaxSelections, s.ttlSeconds())
	if err != nil {
		util.Error("Failed to append property selection",
			zap.String("citizen", util.MaskDocument(citizenID)),
			zap.String("property", propertyID),
			zap.Error(err))
		return SelectionResult{}, fmt.Errorf("failed to append property selection: %w", err)
	}

	values, ok := res.([]interface{})
	if !ok || len(values) != 3 {
		return SelectionResult{}, fmt.Errorf("unexpected selection result %v", res)
	}

	result := SelectionResult{
		Accepted:     values[0].(int64) == 1,
		Total:        int(values[1].(int64)),
		LimitReached: values[2].(int64) == 1,
	}

	util.Debug("Property selection recorded",
		zap.String("citizen", util.MaskDocument(citizenID)),
		zap.String("property", propertyID),
		zap.Bool("accepted", result.Accepted),
		zap.Int("total", result.Total))
	return result, nil
}
