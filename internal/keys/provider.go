package keys

import (
	"context"
	"fmt"

	"github.com/castellan-project/castellan/internal/crypto"
	"github.com/castellan-project/castellan/pkg/errors"
	"github.com/castellan-project/castellan/pkg/models"
)

// SoftwareProvider backs key material with the in-process crypto keystore.
// The handle is the crypto-service key ID.
type SoftwareProvider struct {
	crypto *crypto.Service
}

// NewSoftwareProvider wraps a crypto service as a key provider.
func NewSoftwareProvider(svc *crypto.Service) *SoftwareProvider {
	return &SoftwareProvider{crypto: svc}
}

func (p *SoftwareProvider) GenerateKey(_ context.Context, keyID string, spec KeySpec) (string, error) {
	switch spec.Algorithm {
	case models.AlgorithmAES256GCM, models.AlgorithmHMACSHA256:
		if err := p.crypto.GenerateSymmetricKey(keyID); err != nil {
			return "", fmt.Errorf("generate symmetric key: %w", err)
		}
	case models.AlgorithmRSA2048, models.AlgorithmRSA4096:
		if _, err := p.crypto.GenerateAsymmetricKeyPair(keyID, spec.Size); err != nil {
			return "", fmt.Errorf("generate asymmetric key pair: %w", err)
		}
	default:
		return "", errors.NewValidationError("algorithm", fmt.Sprintf("unsupported algorithm %q", spec.Algorithm))
	}
	return keyID, nil
}

// RevokeKey removes the material from the keystore. Revoked keys can no
// longer encrypt or decrypt; metadata survives for audit.
func (p *SoftwareProvider) RevokeKey(_ context.Context, handle string) error {
	p.crypto.RemoveKey(handle)
	return nil
}

func (p *SoftwareProvider) DestroyKey(_ context.Context, handle string) error {
	p.crypto.RemoveKey(handle)
	return nil
}

func (p *SoftwareProvider) ExportKey(_ context.Context, handle string) ([]byte, error) {
	return p.crypto.ExportKey(handle)
}
