package vault

import (
	"context"
	"fmt"

	"github.com/castellan-project/castellan/internal/keys"
	"github.com/castellan-project/castellan/pkg/errors"
	"github.com/castellan-project/castellan/pkg/models"
)

// ProviderName identifies the Vault HSM provider in key metadata.
const ProviderName = "vault-transit"

// KeyProvider implements keys.Provider on the Transit engine. Handles are
// transit key names; material never leaves Vault except through ExportKey.
type KeyProvider struct {
	transit *Transit
}

// NewKeyProvider creates a Transit-backed key provider after verifying the
// server version.
func NewKeyProvider(ctx context.Context, client *Client, mount string) (*KeyProvider, error) {
	if err := client.CheckServer(ctx); err != nil {
		return nil, err
	}
	return &KeyProvider{transit: NewTransit(client, mount)}, nil
}

func (p *KeyProvider) GenerateKey(ctx context.Context, keyID string, spec keys.KeySpec) (string, error) {
	keyType, err := transitKeyType(spec.Algorithm)
	if err != nil {
		return "", err
	}
	if err := p.transit.CreateKey(ctx, keyID, keyType, true); err != nil {
		return "", err
	}
	return keyID, nil
}

// RevokeKey disables the transit key rather than deleting it so existing
// audit trails can still name it.
func (p *KeyProvider) RevokeKey(ctx context.Context, handle string) error {
	return p.transit.DisableKey(ctx, handle)
}

func (p *KeyProvider) DestroyKey(ctx context.Context, handle string) error {
	return p.transit.DeleteKey(ctx, handle)
}

func (p *KeyProvider) ExportKey(ctx context.Context, handle string) ([]byte, error) {
	return p.transit.ExportKey(ctx, handle)
}

func transitKeyType(algorithm models.KeyAlgorithm) (string, error) {
	switch algorithm {
	case models.AlgorithmAES256GCM, models.AlgorithmHMACSHA256:
		return "aes256-gcm96", nil
	case models.AlgorithmRSA2048:
		return "rsa-2048", nil
	case models.AlgorithmRSA4096:
		return "rsa-4096", nil
	default:
		return "", errors.NewValidationError("algorithm", fmt.Sprintf("no transit key type for %q", algorithm))
	}
}
