package infra

import (
	"context"
	"fmt"

	kms "cloud.google.com/go/kms/apiv1"
	kmspb "cloud.google.com/go/kms/apiv1/kmspb"
)

// KMSSealer はCloud KMSでフィクスチャファイルを暗号化する。
type KMSSealer struct {
	client  *kms.KeyManagementClient
	keyName string
}

// NewKMSSealer は指定したキー名でKMSSealerを生成する。
func NewKMSSealer(ctx context.Context, keyName string) (*KMSSealer, error) {
	if keyName == "" {
		return nil, fmt.Errorf("FIXTURE_KMS_KEY_NAME is required to seal fixtures")
	}

	client, err := kms.NewKeyManagementClient(ctx)
	if err != nil {
		return nil, fmt.Errorf("creating KMS client: %w", err)
	}

	return &KMSSealer{
		client:  client,
		keyName: keyName,
	}, nil
}

// KeyName は暗号化に使うキー名を返す。
func (s *KMSSealer) KeyName() string {
	return s.keyName
}

// Seal は平文をCloud KMSで暗号化する。
func (s *KMSSealer) Seal(ctx context.Context, plaintext []byte) ([]byte, error) {
	resp, err := s.client.Encrypt(ctx, &kmspb.EncryptRequest{
		Name:      s.keyName,
		Plaintext: plaintext,
	})
	if err != nil {
		return nil, fmt.Errorf("encrypting fixture: %w", err)
	}
	return resp.Ciphertext, nil
}

// Open は暗号文をCloud KMSで復号する。
func (s *KMSSealer) Open(ctx context.Context, ciphertext []byte) ([]byte, error) {
	resp, err := s.client.Decrypt(ctx, &kmspb.DecryptRequest{
		Name:       s.keyName,
		Ciphertext: ciphertext,
	})
	if err != nil {
		return nil, fmt.Errorf("decrypting fixture: %w", err)
	}
	return resp.Plaintext, nil
}

// Close はKMSクライアントを閉じる。
func (s *KMSSealer) Close() error {
	return s.client.Close()
}
