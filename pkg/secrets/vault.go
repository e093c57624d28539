// Package secrets loads tier and channel credentials from a Vault KV engine
// into the environment before configuration is read.
package secrets

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	apperrors "github.com/opyter/cromqc/pkg/errors"
)

// CredentialKeys are the only variables a Vault secret may set
var CredentialKeys = []string{
	"SOURCE_DB_USER",
	"SOURCE_DB_PASSWORD",
	"DEST_DB_USER",
	"DEST_DB_PASSWORD",
	"REDIS_PASSWORD",
	"MQTT_USERNAME",
	"MQTT_PASSWORD",
}

// VaultConfig locates the credential secret
type VaultConfig struct {
	Enabled   bool
	Addr      string
	Token     string
	Namespace string
	Mount     string
	Path      string
	KVVersion int
	Timeout   time.Duration
	Overwrite bool
}

// Result reports which credentials were applied
type Result struct {
	Path    string
	Loaded  []string
	Skipped []string
	Ignored []string
}

// VaultConfigFromEnv reads the VAULT_* variables
func VaultConfigFromEnv() VaultConfig {
	cfg := VaultConfig{
		Enabled:   strings.EqualFold(os.Getenv("VAULT_ENABLED"), "true"),
		Addr:      os.Getenv("VAULT_ADDR"),
		Token:     os.Getenv("VAULT_TOKEN"),
		Namespace: os.Getenv("VAULT_NAMESPACE"),
		Mount:     "secret",
		Path:      "cromqc",
		KVVersion: 2,
		Timeout:   5 * time.Second,
		Overwrite: strings.EqualFold(os.Getenv("VAULT_OVERWRITE"), "true"),
	}
	if v := os.Getenv("VAULT_MOUNT"); v != "" {
		cfg.Mount = v
	}
	if v := os.Getenv("VAULT_PATH"); v != "" {
		cfg.Path = v
	}
	if v, err := strconv.Atoi(os.Getenv("VAULT_KV_VERSION")); err == nil {
		cfg.KVVersion = v
	}
	if v, err := time.ParseDuration(os.Getenv("VAULT_TIMEOUT")); err == nil && v > 0 {
		cfg.Timeout = v
	}
	return cfg
}

// ApplyCredentials fetches the secret at cfg.Path and exports the credential
// keys it holds. Variables already set are kept unless cfg.Overwrite is set.
// A disabled config is a no-op.
func ApplyCredentials(ctx context.Context, cfg VaultConfig) (*Result, error) {
	result := &Result{Path: cfg.Path}
	if !cfg.Enabled {
		return result, nil
	}
	if cfg.Addr == "" || cfg.Token == "" {
		return result, apperrors.NewValidationError("vault enabled but VAULT_ADDR or VAULT_TOKEN is empty")
	}

	data, err := fetch(ctx, cfg)
	if err != nil {
		return result, err
	}

	allowed := make(map[string]bool, len(CredentialKeys))
	for _, k := range CredentialKeys {
		allowed[k] = true
	}

	for key, value := range data {
		switch {
		case !allowed[key]:
			result.Ignored = append(result.Ignored, key)
		case !cfg.Overwrite && os.Getenv(key) != "":
			result.Skipped = append(result.Skipped, key)
		default:
			if err := os.Setenv(key, stringify(value)); err != nil {
				return result, apperrors.NewInternalError("failed to export "+key, err)
			}
			result.Loaded = append(result.Loaded, key)
		}
	}

	log.Info().
		Str("path", cfg.Path).
		Strs("loaded", result.Loaded).
		Int("skipped", len(result.Skipped)).
		Int("ignored", len(result.Ignored)).
		Msg("Credentials loaded from Vault")
	return result, nil
}

func fetch(ctx context.Context, cfg VaultConfig) (map[string]interface{}, error) {
	url, err := secretURL(cfg.Addr, cfg.Mount, cfg.Path, cfg.KVVersion)
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, apperrors.NewInternalError("failed to build vault request", err)
	}
	req.Header.Set("X-Vault-Token", cfg.Token)
	if cfg.Namespace != "" {
		req.Header.Set("X-Vault-Namespace", cfg.Namespace)
	}

	client := &http.Client{Timeout: cfg.Timeout}
	resp, err := client.Do(req)
	if err != nil {
		return nil, apperrors.NewConnectionError("vault unreachable", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, apperrors.NewConnectionError("failed to read vault response", err)
	}
	if resp.StatusCode == http.StatusNotFound {
		return nil, apperrors.NewNotFoundError("vault secret " + cfg.Path + " not found")
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, apperrors.NewInternalError(fmt.Sprintf("vault returned %s: %s", resp.Status, strings.TrimSpace(string(body))), nil)
	}

	var payload struct {
		Data map[string]interface{} `json:"data"`
	}
	if err := json.Unmarshal(body, &payload); err != nil {
		return nil, apperrors.NewInternalError("vault response is not JSON", err)
	}
	if payload.Data == nil {
		return nil, apperrors.NewInternalError("vault response has no data", nil)
	}
	if cfg.KVVersion == 1 {
		return payload.Data, nil
	}

	// KV v2 nests the secret under data.data
	inner, ok := payload.Data["data"].(map[string]interface{})
	if !ok {
		return nil, apperrors.NewInternalError("vault response has no data.data for KV v2", nil)
	}
	return inner, nil
}

func secretURL(addr, mount, path string, kvVersion int) (string, error) {
	addr = strings.TrimRight(addr, "/")
	mount = strings.Trim(mount, "/")
	path = strings.Trim(path, "/")
	if mount == "" || path == "" {
		return "", apperrors.NewValidationError("vault mount and path must be set")
	}
	if kvVersion == 1 {
		return fmt.Sprintf("%s/v1/%s/%s", addr, mount, path), nil
	}
	return fmt.Sprintf("%s/v1/%s/data/%s", addr, mount, path), nil
}

func stringify(value interface{}) string {
	switch v := value.(type) {
	case string:
		return v
	case nil:
		return ""
	case bool:
		return strconv.FormatBool(v)
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64)
	default:
		encoded, err := json.Marshal(v)
		if err != nil {
			return fmt.Sprintf("%v", v)
		}
		return string(encoded)
	}
}
