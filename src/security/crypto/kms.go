package crypto

import (
	"context"
	"encoding/base64"
	"fmt"
	"strings"
	"sync"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/kms"
)

// kmsSource resolves master keys wrapped by AWS KMS. crypto_key.key_material
// holds the base64 CiphertextBlob of a 32-byte data key; Fetch unwraps it
// with kms:Decrypt. The client is built once from the default AWS config
// chain (env, shared config, instance role).
type kmsSource struct {
	store KeyStore

	once    sync.Once
	client  *kms.Client
	initErr error
}

func newKMSSource(store KeyStore) *kmsSource {
	return &kmsSource{store: store}
}

func (s *kmsSource) kmsClient(ctx context.Context) (*kms.Client, error) {
	s.once.Do(func() {
		awsCfg, err := awsconfig.LoadDefaultConfig(ctx)
		if err != nil {
			s.initErr = fmt.Errorf("loading AWS config: %w", err)
			return
		}
		s.client = kms.NewFromConfig(awsCfg)
	})
	return s.client, s.initErr
}

func (s *kmsSource) Fetch(ctx context.Context, keyID string, version int) ([]byte, error) {
	row, err := s.store.CryptoKey(ctx, keyID, version)
	if err != nil {
		return nil, err
	}
	if row == nil {
		return nil, fmt.Errorf("%w: no wrapped key for %s.%d", ErrKeyNotFound, keyID, version)
	}
	wrapped, err := base64.StdEncoding.DecodeString(strings.TrimSpace(row.KeyMaterial))
	if err != nil {
		return nil, fmt.Errorf("wrapped key for %s.%d is not base64: %w", keyID, version, err)
	}
	client, err := s.kmsClient(ctx)
	if err != nil {
		return nil, err
	}
	out, err := client.Decrypt(ctx, &kms.DecryptInput{
		CiphertextBlob: wrapped,
		KeyId:          aws.String(kmsAlias(keyID)),
	})
	if err != nil {
		return nil, fmt.Errorf("kms decrypt for %s.%d: %w", keyID, version, err)
	}
	if len(out.Plaintext) != masterKeyLen {
		return nil, ErrInvalidKeyLength
	}
	return out.Plaintext, nil
}

// GenerateDataKey mints a fresh 32-byte data key under the alias and returns
// its wrapped form for persistence. The plaintext copy is zeroed before
// returning; callers unwrap on demand via Fetch.
func (s *kmsSource) GenerateDataKey(ctx context.Context, keyID string) (string, error) {
	client, err := s.kmsClient(ctx)
	if err != nil {
		return "", err
	}
	out, err := client.GenerateDataKey(ctx, &kms.GenerateDataKeyInput{
		KeyId:         aws.String(kmsAlias(keyID)),
		NumberOfBytes: aws.Int32(masterKeyLen),
	})
	if err != nil {
		return "", fmt.Errorf("kms generate data key: %w", err)
	}
	for i := range out.Plaintext {
		out.Plaintext[i] = 0
	}
	return base64.StdEncoding.EncodeToString(out.CiphertextBlob), nil
}

func kmsAlias(keyID string) string {
	if strings.HasPrefix(keyID, "alias/") || strings.HasPrefix(keyID, "arn:") {
		return keyID
	}
	return "alias/" + keyID
}
