package encryption

import (
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"admin-security/internal/config"
	"admin-security/internal/util"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/kms"
	"github.com/aws/aws-sdk-go-v2/service/kms/types"
	"go.uber.org/zap"
)

var (
	ErrEncryptionFailed = errors.New("encryption failed")
	ErrDecryptionFailed = errors.New("decryption failed")
	ErrNoLocalKey       = errors.New("local encryption key not configured")
)

const (
	envelopeVersion = "v1"
	localKeyID      = "local"
)

// KeyService is the subset of the KMS API used for envelope encryption.
type KeyService interface {
	GenerateDataKey(ctx context.Context, params *kms.GenerateDataKeyInput, optFns ...func(*kms.Options)) (*kms.GenerateDataKeyOutput, error)
	Decrypt(ctx context.Context, params *kms.DecryptInput, optFns ...func(*kms.Options)) (*kms.DecryptOutput, error)
}

// EncryptedData is the stored envelope: a per-value data key wrapped by the
// master key, and the value sealed by the data key.
type EncryptedData struct {
	EncryptedValue string    `json:"encrypted_value"`
	EncryptedDEK   string    `json:"encrypted_dek"`
	KeyID          string    `json:"key_id"`
	Version        string    `json:"version"`
	CreatedAt      time.Time `json:"created_at"`
}

// EncryptionManager seals TOTP secrets at rest. With KMS enabled data keys
// come from KMS; otherwise they are wrapped with a local AES-256 key.
type EncryptionManager struct {
	kmsClient KeyService
	keyID     string
	localKey  []byte
	keyCache  sync.Map // encrypted DEK -> plaintext DEK
}

type DataKey struct {
	Plaintext  []byte
	Ciphertext []byte
	KeyID      string
}

// NewEncryptionManager builds a manager from configuration. In development a
// missing local key is replaced by an ephemeral one; secrets sealed with it
// do not survive a restart.
func NewEncryptionManager(cfg *config.Config, kmsClient KeyService) (*EncryptionManager, error) {
	if cfg.KMS.Enabled {
		if kmsClient == nil || cfg.KMS.KeyID == "" {
			return nil, errors.New("kms enabled but no client or key id configured")
		}
		return &EncryptionManager{kmsClient: kmsClient, keyID: cfg.KMS.KeyID}, nil
	}

	if cfg.KMS.LocalKey != "" {
		key, err := base64.StdEncoding.DecodeString(cfg.KMS.LocalKey)
		if err != nil || len(key) != 32 {
			return nil, fmt.Errorf("%w: ENCRYPTION_LOCAL_KEY must be 32 bytes base64", ErrNoLocalKey)
		}
		return NewLocalEncryptionManager(key)
	}

	if cfg.IsProduction() {
		return nil, ErrNoLocalKey
	}
	key := make([]byte, 32)
	if _, err := rand.Read(key); err != nil {
		return nil, fmt.Errorf("failed to generate local key: %w", err)
	}
	util.Warn("Using ephemeral encryption key; enrolled TOTP secrets will not survive restart")
	return NewLocalEncryptionManager(key)
}

func NewLocalEncryptionManager(key []byte) (*EncryptionManager, error) {
	if len(key) != 32 {
		return nil, fmt.Errorf("%w: need 32 bytes, got %d", ErrNoLocalKey, len(key))
	}
	k := make([]byte, 32)
	copy(k, key)
	return &EncryptionManager{keyID: localKeyID, localKey: k}, nil
}

// GenerateDataKey returns a fresh AES-256 data key and its wrapped form.
func (em *EncryptionManager) GenerateDataKey(ctx context.Context) (*DataKey, error) {
	if em.kmsClient == nil {
		return em.generateLocalKey()
	}

	result, err := em.kmsClient.GenerateDataKey(ctx, &kms.GenerateDataKeyInput{
		KeyId:   aws.String(em.keyID),
		KeySpec: types.DataKeySpecAes256,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to generate data key: %w", err)
	}

	return &DataKey{
		Plaintext:  result.Plaintext,
		Ciphertext: result.CiphertextBlob,
		KeyID:      em.keyID,
	}, nil
}

func (em *EncryptionManager) generateLocalKey() (*DataKey, error) {
	key := make([]byte, 32)
	if _, err := rand.Read(key); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrEncryptionFailed, err)
	}
	wrapped, err := seal(em.localKey, key, []byte(localKeyID))
	if err != nil {
		return nil, err
	}
	return &DataKey{Plaintext: key, Ciphertext: wrapped, KeyID: localKeyID}, nil
}

// EncryptField seals plaintext bound to purpose; the same purpose must be
// supplied to decrypt.
func (em *EncryptionManager) EncryptField(ctx context.Context, plaintext []byte, purpose string) (*EncryptedData, error) {
	dataKey, err := em.GenerateDataKey(ctx)
	if err != nil {
		return nil, err
	}

	ciphertext, err := seal(dataKey.Plaintext, plaintext, []byte(purpose))
	if err != nil {
		return nil, err
	}

	cacheKey := base64.StdEncoding.EncodeToString(dataKey.Ciphertext)
	em.keyCache.Store(cacheKey, dataKey.Plaintext)

	return &EncryptedData{
		EncryptedValue: base64.StdEncoding.EncodeToString(ciphertext),
		EncryptedDEK:   cacheKey,
		KeyID:          dataKey.KeyID,
		Version:        envelopeVersion,
		CreatedAt:      time.Now().UTC(),
	}, nil
}

// DecryptField reverses EncryptField.
func (em *EncryptionManager) DecryptField(ctx context.Context, encryptedData *EncryptedData, purpose string) ([]byte, error) {
	if encryptedData.Version != envelopeVersion {
		return nil, fmt.Errorf("%w: unsupported envelope version %q", ErrDecryptionFailed, encryptedData.Version)
	}

	cacheKey := encryptedData.EncryptedDEK
	if cached, ok := em.keyCache.Load(cacheKey); ok {
		return em.decryptWithKey(encryptedData.EncryptedValue, cached.([]byte), purpose)
	}

	wrapped, err := base64.StdEncoding.DecodeString(encryptedData.EncryptedDEK)
	if err != nil {
		return nil, fmt.Errorf("%w: invalid DEK format", ErrDecryptionFailed)
	}

	var plaintextDEK []byte
	if encryptedData.KeyID == localKeyID {
		if em.localKey == nil {
			return nil, fmt.Errorf("%w: value sealed with local key", ErrDecryptionFailed)
		}
		plaintextDEK, err = open(em.localKey, wrapped, []byte(localKeyID))
		if err != nil {
			return nil, err
		}
	} else {
		if em.kmsClient == nil {
			return nil, fmt.Errorf("%w: value sealed with kms key", ErrDecryptionFailed)
		}
		result, err := em.kmsClient.Decrypt(ctx, &kms.DecryptInput{
			CiphertextBlob: wrapped,
			KeyId:          aws.String(encryptedData.KeyID),
		})
		if err != nil {
			util.Error("KMS decrypt failed", zap.String("key_id", encryptedData.KeyID), zap.Error(err))
			return nil, fmt.Errorf("%w: failed to decrypt DEK: %v", ErrDecryptionFailed, err)
		}
		plaintextDEK = result.Plaintext
	}

	em.keyCache.Store(cacheKey, plaintextDEK)
	return em.decryptWithKey(encryptedData.EncryptedValue, plaintextDEK, purpose)
}

// Seal is EncryptField with the envelope serialized for a single blob column.
func (em *EncryptionManager) Seal(ctx context.Context, plaintext []byte, purpose string) ([]byte, error) {
	env, err := em.EncryptField(ctx, plaintext, purpose)
	if err != nil {
		return nil, err
	}
	return json.Marshal(env)
}

func (em *EncryptionManager) Open(ctx context.Context, sealed []byte, purpose string) ([]byte, error) {
	var env EncryptedData
	if err := json.Unmarshal(sealed, &env); err != nil {
		return nil, fmt.Errorf("%w: invalid envelope", ErrDecryptionFailed)
	}
	return em.DecryptField(ctx, &env, purpose)
}

func (em *EncryptionManager) decryptWithKey(encryptedValue string, key []byte, purpose string) ([]byte, error) {
	ciphertext, err := base64.StdEncoding.DecodeString(encryptedValue)
	if err != nil {
		return nil, fmt.Errorf("%w: invalid ciphertext format", ErrDecryptionFailed)
	}
	return open(key, ciphertext, []byte(purpose))
}

func seal(key, plaintext, aad []byte) ([]byte, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrEncryptionFailed, err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrEncryptionFailed, err)
	}
	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrEncryptionFailed, err)
	}
	return gcm.Seal(nonce, nonce, plaintext, aad), nil
}

func open(key, ciphertext, aad []byte) ([]byte, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecryptionFailed, err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecryptionFailed, err)
	}
	nonceSize := gcm.NonceSize()
	if len(ciphertext) < nonceSize {
		return nil, fmt.Errorf("%w: ciphertext too short", ErrDecryptionFailed)
	}
	nonce, ciphertext := ciphertext[:nonceSize], ciphertext[nonceSize:]
	plaintext, err := gcm.Open(nil, nonce, ciphertext, aad)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecryptionFailed, err)
	}
	return plaintext, nil
}

// ClearCache drops cached plaintext data keys.
func (em *EncryptionManager) ClearCache() {
	em.keyCache.Range(func(key, value interface{}) bool {
		em.keyCache.Delete(key)
		return true
	})
}

// GetCacheSize returns the number of cached DEKs
func (em *EncryptionManager) GetCacheSize() int {
	count := 0
	em.keyCache.Range(func(_, _ interface{}) bool {
		count++
		return true
	})
	return count
}
