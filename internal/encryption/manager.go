package encryption

import (
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/kms"
	"github.com/aws/aws-sdk-go-v2/service/kms/types"

	"catia-session/internal/config"
)

var (
	ErrSealFailed = errors.New("token seal failed")
	ErrOpenFailed = errors.New("token open failed")
)

// TokenSealer envelope-encrypts credentials before they reach the session
// store. Data keys come from KMS when enabled; in development the DEK is
// carried base64-encoded so records survive process restarts.
type TokenSealer struct {
	kmsClient *kms.Client
	config    *config.Config
	keyCache  sync.Map // encrypted DEK -> plaintext DEK
}

type dataKey struct {
	plaintext  []byte
	ciphertext []byte
}

func NewTokenSealer(cfg *config.Config, kmsClient *kms.Client) *TokenSealer {
	return &TokenSealer{
		kmsClient: kmsClient,
		config:    cfg,
	}
}

func (s *TokenSealer) generateDataKey(ctx context.Context) (*dataKey, error) {
	if !s.config.KMS.Enabled {
		key := make([]byte, 32) // AES-256
		if _, err := rand.Read(key); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrSealFailed, err)
		}
		return &dataKey{
			plaintext:  key,
			ciphertext: []byte(base64.StdEncoding.EncodeToString(key)),
		}, nil
	}

	input := &kms.GenerateDataKeyInput{
		KeyId:   aws.String(s.config.KMS.KeyID),
		KeySpec: types.DataKeySpecAes256,
	}

	result, err := s.kmsClient.GenerateDataKey(ctx, input)
	if err != nil {
		return nil, fmt.Errorf("failed to generate data key: %w", err)
	}

	return &dataKey{
		plaintext:  result.Plaintext,
		ciphertext: result.CiphertextBlob,
	}, nil
}

// Seal encrypts a credential and packs the envelope as
// "v1:<b64 encrypted DEK>:<b64 nonce+ciphertext>".
func (s *TokenSealer) Seal(ctx context.Context, plaintext string) (string, error) {
	dk, err := s.generateDataKey(ctx)
	if err != nil {
		return "", err
	}

	block, err := aes.NewCipher(dk.plaintext)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrSealFailed, err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrSealFailed, err)
	}

	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", fmt.Errorf("%w: %v", ErrSealFailed, err)
	}

	ciphertext := gcm.Seal(nonce, nonce, []byte(plaintext), nil)

	encDEK := base64.StdEncoding.EncodeToString(dk.ciphertext)
	s.keyCache.Store(encDEK, dk.plaintext)

	return "v1:" + encDEK + ":" + base64.StdEncoding.EncodeToString(ciphertext), nil
}

// Open decrypts an envelope produced by Seal.
func (s *TokenSealer) Open(ctx context.Context, sealed string) (string, error) {
	parts := strings.SplitN(sealed, ":", 3)
	if len(parts) != 3 || parts[0] != "v1" {
		return "", fmt.Errorf("%w: malformed envelope", ErrOpenFailed)
	}
	encDEK, encValue := parts[1], parts[2]

	if cached, ok := s.keyCache.Load(encDEK); ok {
		return s.openWithKey(encValue, cached.([]byte))
	}

	var plaintextDEK []byte
	if s.config.KMS.Enabled {
		ciphertextBlob, err := base64.StdEncoding.DecodeString(encDEK)
		if err != nil {
			return "", fmt.Errorf("%w: invalid DEK format", ErrOpenFailed)
		}

		result, err := s.kmsClient.Decrypt(ctx, &kms.DecryptInput{
			CiphertextBlob: ciphertextBlob,
		})
		if err != nil {
			return "", fmt.Errorf("%w: failed to decrypt DEK: %v", ErrOpenFailed, err)
		}
		plaintextDEK = result.Plaintext
	} else {
		decoded, err := base64.StdEncoding.DecodeString(encDEK)
		if err != nil {
			return "", fmt.Errorf("%w: invalid local DEK", ErrOpenFailed)
		}
		key, err := base64.StdEncoding.DecodeString(string(decoded))
		if err == nil && len(key) == 32 {
			plaintextDEK = key
		} else {
			plaintextDEK = decoded
		}
	}

	s.keyCache.Store(encDEK, plaintextDEK)

	return s.openWithKey(encValue, plaintextDEK)
}

func (s *TokenSealer) openWithKey(encValue string, key []byte) (string, error) {
	ciphertext, err := base64.StdEncoding.DecodeString(encValue)
	if err != nil {
		return "", fmt.Errorf("%w: invalid ciphertext format", ErrOpenFailed)
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrOpenFailed, err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrOpenFailed, err)
	}

	nonceSize := gcm.NonceSize()
	if len(ciphertext) < nonceSize {
		return "", fmt.Errorf("%w: ciphertext too short", ErrOpenFailed)
	}

	nonce, ciphertext := ciphertext[:nonceSize], ciphertext[nonceSize:]
	plaintext, err := gcm.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrOpenFailed, err)
	}

	return string(plaintext), nil
}

// ClearCache drops cached plaintext DEKs.
func (s *TokenSealer) ClearCache() {
	s.keyCache.Range(func(key, _ interface{}) bool {
		s.keyCache.Delete(key)
		return true
	})
}
