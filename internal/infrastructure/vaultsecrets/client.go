// Package vaultsecrets centralizes Vault-backed capability credential
// retrieval. The teacher threads a raw *api.Client through every
// audio-domain service construtor (stem separation, tagging, mastering,
// recommendation, search) but only ever calls Logical().Write once
// (mastering_service.go, persisting a mastering profile); this package
// gives every Analyzer Adapter one narrow Read/Write surface instead of
// repeating the *api.Client field and fmt.Sprintf-built path per service.
package vaultsecrets

import (
	"fmt"

	"github.com/hashicorp/vault/api"
	"go.uber.org/zap"
)

// CapabilityCredentials holds whatever an Analyzer Adapter needs to talk
// to its backend: an API key, a base URL override, or both.
type CapabilityCredentials struct {
	APIKey  string
	BaseURL string
}

// Store wraps a Vault client scoped to one secret mount.
type Store struct {
	client *api.Client
	mount  string
	logger *zap.Logger
}

// NewStore builds a Store. addr/token follow the teacher's own
// environment-variable convention (VAULT_ADDR/VAULT_TOKEN), set on the
// default api.Config before Store ever touches it.
func NewStore(addr, token, mount string, logger *zap.Logger) (*Store, error) {
	cfg := api.DefaultConfig()
	if addr != "" {
		cfg.Address = addr
	}
	client, err := api.NewClient(cfg)
	if err != nil {
		return nil, fmt.Errorf("vaultsecrets: new client: %w", err)
	}
	if token != "" {
		client.SetToken(token)
	}
	return &Store{client: client, mount: mount, logger: logger}, nil
}

func (s *Store) path(capability string) string {
	return fmt.Sprintf("%s/capabilities/%s", s.mount, capability)
}

// CredentialsFor reads the credentials for one named capability (e.g.
// "lyrics.external_api", "chord.primary"). A missing secret returns a
// zero CapabilityCredentials, not an error — callers treat an
// unconfigured capability as "not available" and fall through the
// fallback chain rather than failing hard.
func (s *Store) CredentialsFor(capability string) (CapabilityCredentials, error) {
	secret, err := s.client.Logical().Read(s.path(capability))
	if err != nil {
		return CapabilityCredentials{}, fmt.Errorf("vaultsecrets: read %s: %w", capability, err)
	}
	if secret == nil || secret.Data == nil {
		return CapabilityCredentials{}, nil
	}

	creds := CapabilityCredentials{}
	if v, ok := secret.Data["api_key"].(string); ok {
		creds.APIKey = v
	}
	if v, ok := secret.Data["base_url"].(string); ok {
		creds.BaseURL = v
	}
	return creds, nil
}

// SetCredentialsFor writes or replaces one capability's credentials, used
// by admin-facing credential rotation.
func (s *Store) SetCredentialsFor(capability string, creds CapabilityCredentials) error {
	data := map[string]interface{}{
		"api_key":  creds.APIKey,
		"base_url": creds.BaseURL,
	}
	if _, err := s.client.Logical().Write(s.path(capability), data); err != nil {
		return fmt.Errorf("vaultsecrets: write %s: %w", capability, err)
	}
	s.logger.Info("vaultsecrets: credentials rotated", zap.String("capability", capability))
	return nil
}
