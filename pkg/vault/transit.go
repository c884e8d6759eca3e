package vault

import (
	"context"
	"encoding/base64"
	"fmt"
)

// Transit drives the Transit secrets engine at a mount path.
type Transit struct {
	client *Client
	mount  string
}

// NewTransit creates a Transit wrapper. An empty mount defaults to "transit".
func NewTransit(client *Client, mount string) *Transit {
	if mount == "" {
		mount = "transit"
	}
	return &Transit{client: client, mount: mount}
}

// CreateKey creates a named key. Exportable is required for the key escrow
// path; deletion stays disallowed until destruction is requested.
func (t *Transit) CreateKey(ctx context.Context, name, keyType string, exportable bool) error {
	path := fmt.Sprintf("%s/keys/%s", t.mount, name)
	_, err := t.client.Logical().WriteWithContext(ctx, path, map[string]any{
		"type":       keyType,
		"exportable": exportable,
	})
	if err != nil {
		return fmt.Errorf("vault: create transit key %s: %w", name, err)
	}
	t.client.logger.InfoContext(ctx, "transit key created", "name", name, "type", keyType)
	return nil
}

// DisableKey bumps min_decryption_version past the latest version, which
// blocks all use of existing ciphertext without deleting the key.
func (t *Transit) DisableKey(ctx context.Context, name string) error {
	info, err := t.readKey(ctx, name)
	if err != nil {
		return err
	}

	path := fmt.Sprintf("%s/keys/%s/config", t.mount, name)
	_, err = t.client.Logical().WriteWithContext(ctx, path, map[string]any{
		"min_decryption_version": info.latestVersion + 1,
		"min_encryption_version": 0,
	})
	if err != nil {
		return fmt.Errorf("vault: disable transit key %s: %w", name, err)
	}
	t.client.logger.InfoContext(ctx, "transit key disabled", "name", name)
	return nil
}

// DeleteKey permanently removes a key. Deletion must be allowed first; the
// two-step write keeps accidental destruction behind an explicit config
// change.
func (t *Transit) DeleteKey(ctx context.Context, name string) error {
	configPath := fmt.Sprintf("%s/keys/%s/config", t.mount, name)
	if _, err := t.client.Logical().WriteWithContext(ctx, configPath, map[string]any{
		"deletion_allowed": true,
	}); err != nil {
		return fmt.Errorf("vault: allow deletion of transit key %s: %w", name, err)
	}

	path := fmt.Sprintf("%s/keys/%s", t.mount, name)
	if _, err := t.client.Logical().DeleteWithContext(ctx, path); err != nil {
		return fmt.Errorf("vault: delete transit key %s: %w", name, err)
	}
	t.client.logger.InfoContext(ctx, "transit key deleted", "name", name)
	return nil
}

// ExportKey returns the latest version of an exportable key's material.
func (t *Transit) ExportKey(ctx context.Context, name string) ([]byte, error) {
	path := fmt.Sprintf("%s/export/encryption-key/%s/latest", t.mount, name)
	secret, err := t.client.Logical().ReadWithContext(ctx, path)
	if err != nil {
		return nil, fmt.Errorf("vault: export transit key %s: %w", name, err)
	}
	if secret == nil || secret.Data == nil {
		return nil, fmt.Errorf("vault: transit key %s not exportable or not found", name)
	}

	keys, ok := secret.Data["keys"].(map[string]any)
	if !ok || len(keys) == 0 {
		return nil, fmt.Errorf("vault: no key material in export response for %s", name)
	}
	for _, material := range keys {
		encoded, ok := material.(string)
		if !ok {
			continue
		}
		raw, err := base64.StdEncoding.DecodeString(encoded)
		if err != nil {
			// RSA exports come back PEM-encoded rather than base64.
			return []byte(encoded), nil
		}
		return raw, nil
	}
	return nil, fmt.Errorf("vault: no usable key material for %s", name)
}

type keyInfo struct {
	latestVersion int
}

func (t *Transit) readKey(ctx context.Context, name string) (*keyInfo, error) {
	path := fmt.Sprintf("%s/keys/%s", t.mount, name)
	secret, err := t.client.Logical().ReadWithContext(ctx, path)
	if err != nil {
		return nil, fmt.Errorf("vault: read transit key %s: %w", name, err)
	}
	if secret == nil || secret.Data == nil {
		return nil, fmt.Errorf("vault: transit key %s not found", name)
	}

	info := &keyInfo{}
	if v, ok := secret.Data["latest_version"].(float64); ok {
		info.latestVersion = int(v)
	}
	return info, nil
}
