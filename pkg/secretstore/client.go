// Package secretstore provides a typed client over a Vault-style
// key-value secret backend: fetch-by-path, merge-write, and bulk export.
package secretstore

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"time"

	vault "github.com/hashicorp/vault/api"
	"github.com/rs/zerolog"

	"github.com/caravel-dev/caravel/pkg/engine"
)

// Config holds connection settings for the secret backend.
type Config struct {
	// Address is the backend base URL. Empty falls back to the
	// client library's environment defaults (VAULT_ADDR).
	Address string

	// Token is the bearer credential.
	Token string

	// Mount is the KV v2 mount point. Defaults to "secret".
	Mount string

	// Timeout bounds each backend request.
	Timeout time.Duration
}

// Client is a typed client for the secret backend.
type Client struct {
	api    *vault.Client
	kv     *vault.KVv2
	mount  string
	logger zerolog.Logger
}

// New creates a client for the given backend.
func New(cfg Config, logger zerolog.Logger) (*Client, error) {
	vcfg := vault.DefaultConfig()
	if cfg.Address != "" {
		vcfg.Address = cfg.Address
	}
	if cfg.Timeout > 0 {
		vcfg.Timeout = cfg.Timeout
	}

	api, err := vault.NewClient(vcfg)
	if err != nil {
		return nil, engine.NewPermanentError("failed to create secret store client", err).
			WithCode(engine.ErrCodeConfigLoad)
	}
	if cfg.Token != "" {
		api.SetToken(cfg.Token)
	}

	mount := cfg.Mount
	if mount == "" {
		mount = "secret"
	}

	return &Client{
		api:    api,
		kv:     api.KVv2(mount),
		mount:  mount,
		logger: logger,
	}, nil
}

// Get fetches a single value. It fails with a SECRET_NOT_FOUND error
// when the path or key is absent and an AUTH_ERROR on a rejected
// credential. Reads are idempotent: repeated reads return the same
// value unless a write occurred in between.
func (c *Client) Get(ctx context.Context, path, key string) (string, error) {
	data, err := c.GetAll(ctx, path)
	if err != nil {
		return "", err
	}

	raw, ok := data[key]
	if !ok {
		return "", engine.NewPermanentError(
			fmt.Sprintf("key %q not found at %s/%s", key, c.mount, path), nil,
		).WithCode(engine.ErrCodeSecretNotFound)
	}
	return raw, nil
}

// GetAll fetches every key at a path.
func (c *Client) GetAll(ctx context.Context, path string) (map[string]string, error) {
	secret, err := c.kv.Get(ctx, path)
	if err != nil {
		return nil, c.classifyReadError(path, err)
	}

	data := make(map[string]string, len(secret.Data))
	for k, v := range secret.Data {
		data[k] = fmt.Sprint(v)
	}
	return data, nil
}

// Merge performs a read-modify-write: it fetches the existing map at
// path (treating absence as an empty map), sets key, and writes back
// the union. Writes are last-writer-wins; concurrent merges to the same
// path can race and lose updates. Callers needing strict consistency
// must serialize merges externally.
func (c *Client) Merge(ctx context.Context, path, key, value string) error {
	data := make(map[string]interface{})

	secret, err := c.kv.Get(ctx, path)
	switch {
	case err == nil:
		for k, v := range secret.Data {
			data[k] = v
		}
	case engine.HasCode(c.classifyReadError(path, err), engine.ErrCodeSecretNotFound):
		// First write to this path.
	default:
		return c.classifyReadError(path, err)
	}

	data[key] = value

	if _, err := c.kv.Put(ctx, path, data); err != nil {
		return c.classifyWriteError(path, err)
	}

	c.logger.Debug().
		Str("path", c.mount+"/"+path).
		Str("key", key).
		Int("keys", len(data)).
		Msg("Merged secret")

	return nil
}

// ExportEntry names a path and the keys to export from it.
type ExportEntry struct {
	Path string   `json:"path"`
	Keys []string `json:"keys"`
}

// ExportSpec maps export names to their path and key selection.
type ExportSpec map[string]ExportEntry

// ExportAll fetches every named path/key combination. Any single
// failure aborts the whole export and reports which path and key failed.
func (c *Client) ExportAll(ctx context.Context, spec ExportSpec) (map[string]map[string]string, error) {
	names := make([]string, 0, len(spec))
	for name := range spec {
		names = append(names, name)
	}
	sort.Strings(names)

	out := make(map[string]map[string]string, len(spec))
	for _, name := range names {
		entry := spec[name]
		data, err := c.GetAll(ctx, entry.Path)
		if err != nil {
			return nil, engine.NewPermanentError(
				fmt.Sprintf("export %q: path %s", name, entry.Path), err,
			).WithCode(errCode(err))
		}

		values := make(map[string]string, len(entry.Keys))
		for _, key := range entry.Keys {
			v, ok := data[key]
			if !ok {
				return nil, engine.NewPermanentError(
					fmt.Sprintf("export %q: key %q not found at %s", name, key, entry.Path), nil,
				).WithCode(engine.ErrCodeSecretNotFound)
			}
			values[key] = v
		}
		out[name] = values
	}

	return out, nil
}

// Health reports whether the backend is reachable, initialized and unsealed.
func (c *Client) Health(ctx context.Context) (bool, error) {
	health, err := c.api.Sys().HealthWithContext(ctx)
	if err != nil {
		return false, engine.NewTransientError("secret store health check failed", err)
	}
	return health.Initialized && !health.Sealed, nil
}

func (c *Client) classifyReadError(path string, err error) error {
	if errors.Is(err, vault.ErrSecretNotFound) {
		return engine.NewPermanentError(
			fmt.Sprintf("secret not found at %s/%s", c.mount, path), err,
		).WithCode(engine.ErrCodeSecretNotFound)
	}

	var respErr *vault.ResponseError
	if errors.As(err, &respErr) {
		switch respErr.StatusCode {
		case http.StatusUnauthorized, http.StatusForbidden:
			return engine.NewPermanentError(
				fmt.Sprintf("secret store rejected credential reading %s/%s", c.mount, path), err,
			).WithCode(engine.ErrCodeAuth)
		case http.StatusNotFound:
			return engine.NewPermanentError(
				fmt.Sprintf("secret not found at %s/%s", c.mount, path), err,
			).WithCode(engine.ErrCodeSecretNotFound)
		}
	}

	return engine.NewTransientError(
		fmt.Sprintf("secret store read failed for %s/%s", c.mount, path), err,
	)
}

func (c *Client) classifyWriteError(path string, err error) error {
	var respErr *vault.ResponseError
	if errors.As(err, &respErr) {
		if respErr.StatusCode == http.StatusUnauthorized || respErr.StatusCode == http.StatusForbidden {
			return engine.NewPermanentError(
				fmt.Sprintf("secret store rejected credential writing %s/%s", c.mount, path), err,
			).WithCode(engine.ErrCodeAuth)
		}
	}

	return engine.NewTransientError(
		fmt.Sprintf("secret store write failed for %s/%s", c.mount, path), err,
	)
}

func errCode(err error) string {
	var oerr *engine.OrchestrationError
	if errors.As(err, &oerr) && oerr.Code != "" {
		return oerr.Code
	}
	return engine.ErrCodeSecretNotFound
}
