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
	"sync"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/kms"
	"github.com/aws/aws-sdk-go-v2/service/kms/types"

	"parishhub-auth/internal/config"
)

var (
	ErrEncryptionFailed = errors.New("encryption failed")
	ErrDecryptionFailed = errors.New("decryption failed")
)

// EncryptedSecret is the envelope stored alongside an account: the
// AES-GCM ciphertext of the TOTP secret, the wrapped data key, and the key
// reference needed to unwrap it.
type EncryptedSecret struct {
	Value string
	DEK   string
	KeyID string
}

type dataKey struct {
	plaintext  []byte
	ciphertext []byte
	keyID      string
}

// Manager envelope-encrypts TOTP secrets at rest. With KMS enabled a fresh
// data key is generated per secret and wrapped by the master key; without
// it (development) the data key is stored base64-encoded, which protects
// nothing but keeps the data shape identical across environments.
type Manager struct {
	kmsClient *kms.Client
	config    *config.Config
	keyCache  sync.Map // wrapped DEK -> plaintext DEK
}

func NewManager(cfg *config.Config, kmsClient *kms.Client) *Manager {
	return &Manager{kmsClient: kmsClient, config: cfg}
}

// NewKMSClient builds the AWS KMS client for the configured region.
func NewKMSClient(ctx context.Context, cfg *config.Config) (*kms.Client, error) {
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.KMS.Region))
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}
	return kms.NewFromConfig(awsCfg), nil
}

// EncryptSecret seals a plaintext secret into an envelope.
func (m *Manager) EncryptSecret(ctx context.Context, plaintext string) (*EncryptedSecret, error) {
	key, err := m.generateDataKey(ctx)
	if err != nil {
		return nil, err
	}

	block, err := aes.NewCipher(key.plaintext)
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

	ciphertext := gcm.Seal(nonce, nonce, []byte(plaintext), nil)
	wrapped := base64.StdEncoding.EncodeToString(key.ciphertext)
	m.keyCache.Store(wrapped, key.plaintext)

	return &EncryptedSecret{
		Value: base64.StdEncoding.EncodeToString(ciphertext),
		DEK:   wrapped,
		KeyID: key.keyID,
	}, nil
}

// DecryptSecret opens an envelope produced by EncryptSecret.
func (m *Manager) DecryptSecret(ctx context.Context, sealed *EncryptedSecret) (string, error) {
	if cached, ok := m.keyCache.Load(sealed.DEK); ok {
		return m.openWithKey(sealed.Value, cached.([]byte))
	}

	var plaintextDEK []byte
	if m.config.KMS.Enabled {
		blob, err := base64.StdEncoding.DecodeString(sealed.DEK)
		if err != nil {
			return "", fmt.Errorf("%w: invalid DEK format", ErrDecryptionFailed)
		}
		result, err := m.kmsClient.Decrypt(ctx, &kms.DecryptInput{CiphertextBlob: blob})
		if err != nil {
			return "", fmt.Errorf("%w: failed to decrypt DEK: %v", ErrDecryptionFailed, err)
		}
		plaintextDEK = result.Plaintext
	} else {
		var err error
		plaintextDEK, err = base64.StdEncoding.DecodeString(sealed.DEK)
		if err != nil {
			return "", fmt.Errorf("%w: invalid local DEK", ErrDecryptionFailed)
		}
	}

	m.keyCache.Store(sealed.DEK, plaintextDEK)
	return m.openWithKey(sealed.Value, plaintextDEK)
}

func (m *Manager) generateDataKey(ctx context.Context) (*dataKey, error) {
	if !m.config.KMS.Enabled {
		return localDataKey()
	}

	result, err := m.kmsClient.GenerateDataKey(ctx, &kms.GenerateDataKeyInput{
		KeyId:   aws.String(m.config.KMS.KeyID),
		KeySpec: types.DataKeySpecAes256,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to generate data key: %w", err)
	}

	return &dataKey{
		plaintext:  result.Plaintext,
		ciphertext: result.CiphertextBlob,
		keyID:      m.config.KMS.KeyID,
	}, nil
}

func localDataKey() (*dataKey, error) {
	key := make([]byte, 32)
	if _, err := rand.Read(key); err != nil {
		return nil, fmt.Errorf("failed to generate local data key: %w", err)
	}
	return &dataKey{
		plaintext:  key,
		ciphertext: key,
		keyID:      "local",
	}, nil
}

func (m *Manager) openWithKey(sealedValue string, key []byte) (string, error) {
	ciphertext, err := base64.StdEncoding.DecodeString(sealedValue)
	if err != nil {
		return "", fmt.Errorf("%w: invalid ciphertext format", ErrDecryptionFailed)
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrDecryptionFailed, err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrDecryptionFailed, err)
	}

	nonceSize := gcm.NonceSize()
	if len(ciphertext) < nonceSize {
		return "", fmt.Errorf("%w: ciphertext too short", ErrDecryptionFailed)
	}

	nonce, ciphertext := ciphertext[:nonceSize], ciphertext[nonceSize:]
	plaintext, err := gcm.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrDecryptionFailed, err)
	}
	return string(plaintext), nil
}

// ClearCache drops the cached data keys.
func (m *Manager) ClearCache() {
	m.keyCache.Range(func(key, _ interface{}) bool {
		m.keyCache.Delete(key)
		return true
	})
}
