// Copyright 2024 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package secrets

import (
	"context"
	"encoding/base64"
	"net/http"
	"strings"

	"github.com/hashicorp/vault/api"
	"github.com/juju/errors"
)

// VaultStore stores secrets in a vault KV v2 mount.
type VaultStore struct {
	client *api.Client
	mount  string
}

// VaultConfig carries what is needed to reach the vault server.
type VaultConfig struct {
	Address string
	Token   string
	// Mount is the KV v2 mount path, defaulting to "secret".
	Mount string
}

// NewVaultStore returns a Store over the configured vault server.
func NewVaultStore(cfg VaultConfig) (*VaultStore, error) {
	if cfg.Address == "" {
		return nil, errors.NotValidf("vault config without address")
	}
	apiCfg := api.DefaultConfig()
	apiCfg.Address = cfg.Address
	client, err := api.NewClient(apiCfg)
	if err != nil {
		return nil, errors.Annotate(err, "creating vault client")
	}
	client.SetToken(cfg.Token)
	mount := cfg.Mount
	if mount == "" {
		mount = "secret"
	}
	return &VaultStore{client: client, mount: mount}, nil
}

func (s *VaultStore) dataPath(path string) string {
	return s.mount + "/data/" + strings.TrimPrefix(path, "/")
}

func (s *VaultStore) metadataPath(path string) string {
	return s.mount + "/metadata/" + strings.TrimPrefix(path, "/")
}

// Get implements Store.
func (s *VaultStore) Get(ctx context.Context, path string) ([]byte, error) {
	secret, err := s.client.Logical().ReadWithContext(ctx, s.dataPath(path))
	if err != nil {
		return nil, errors.Trace(coerceVaultError(err))
	}
	if secret == nil || secret.Data == nil {
		return nil, errors.NotFoundf("secret %q", path)
	}
	data, ok := secret.Data["data"].(map[string]interface{})
	if !ok {
		return nil, errors.NotFoundf("secret %q", path)
	}
	encoded, ok := data["value"].(string)
	if !ok {
		return nil, errors.NotValidf("secret %q payload", path)
	}
	value, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, errors.Annotatef(err, "decoding secret %q", path)
	}
	return value, nil
}

// Put implements Store.
func (s *VaultStore) Put(ctx context.Context, path string, value []byte) error {
	_, err := s.client.Logical().WriteWithContext(ctx, s.dataPath(path), map[string]interface{}{
		"data": map[string]interface{}{
			"value": base64.StdEncoding.EncodeToString(value),
		},
	})
	return errors.Trace(coerceVaultError(err))
}

// Delete implements Store.
func (s *VaultStore) Delete(ctx context.Context, path string) error {
	_, err := s.client.Logical().DeleteWithContext(ctx, s.metadataPath(path))
	if err != nil && !isVaultNotFound(err) {
		return errors.Trace(coerceVaultError(err))
	}
	return nil
}

// List implements Store.
func (s *VaultStore) List(ctx context.Context, prefix string) ([]string, error) {
	secret, err := s.client.Logical().ListWithContext(ctx, s.metadataPath(prefix))
	if err != nil {
		return nil, errors.Trace(coerceVaultError(err))
	}
	if secret == nil || secret.Data == nil {
		return nil, nil
	}
	keys, ok := secret.Data["keys"].([]interface{})
	if !ok {
		return nil, nil
	}
	var paths []string
	for _, k := range keys {
		if name, ok := k.(string); ok {
			paths = append(paths, strings.TrimSuffix(prefix, "/")+"/"+name)
		}
	}
	return paths, nil
}

func isVaultNotFound(err error) bool {
	if err == nil {
		return false
	}
	var apiErr *api.ResponseError
	if errors.As(err, &apiErr) {
		return apiErr.StatusCode == http.StatusNotFound
	}
	// Sadly we can just get a string from the api.
	return strings.Contains(err.Error(), "no secret found")
}

func coerceVaultError(err error) error {
	if err == nil {
		return nil
	}
	var apiErr *api.ResponseError
	if errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusForbidden {
		return errors.WithType(err, ErrPermissionDenied)
	}
	return err
}
