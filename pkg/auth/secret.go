package auth

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"sync"
)

// SecretSource fetches the pre-shared service secret
type SecretSource interface {
	Secret(ctx context.Context) (string, error)
}

// EnvSource reads the secret from an environment variable
type EnvSource struct {
	Name string
}

func (s EnvSource) Secret(ctx context.Context) (string, error) {
	v, ok := os.LookupEnv(s.Name)
	if !ok || v == "" {
		return "", fmt.Errorf("secret environment variable %s is not set", s.Name)
	}
	return v, nil
}

// FileSource reads a JSON document and returns one string field from it,
// the layout secret managers hand out ({"api_key": "..."}). An empty Key
// means the whole file, trimmed, is the secret.
type FileSource struct {
	Path string
	Key  string
}

func (s FileSource) Secret(ctx context.Context) (string, error) {
	data, err := os.ReadFile(s.Path)
	if err != nil {
		return "", fmt.Errorf("failed to read secret file: %w", err)
	}
	if s.Key == "" {
		v := strings.TrimSpace(string(data))
		if v == "" {
			return "", fmt.Errorf("secret file %s is empty", s.Path)
		}
		return v, nil
	}

	var doc map[string]interface{}
	if err := json.Unmarshal(data, &doc); err != nil {
		return "", fmt.Errorf("failed to parse secret file: %w", err)
	}
	v, ok := doc[s.Key].(string)
	if !ok || v == "" {
		return "", fmt.Errorf("secret file %s has no string field %q", s.Path, s.Key)
	}
	return v, nil
}

// StaticSource returns a fixed secret. Used by tests and the CLI.
type StaticSource string

func (s StaticSource) Secret(ctx context.Context) (string, error) {
	if s == "" {
		return "", fmt.Errorf("static secret is empty")
	}
	return string(s), nil
}

// SecretCache memoizes one secret for the life of the process. Failed
// lookups are not cached so a transient error does not stick.
type SecretCache struct {
	source SecretSource

	mu     sync.Mutex
	value  string
	loaded bool
}

// NewSecretCache creates a cache over source
func NewSecretCache(source SecretSource) *SecretCache {
	return &SecretCache{source: source}
}

// Get returns the cached secret, fetching it on first use
func (c *SecretCache) Get(ctx context.Context) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.loaded {
		return c.value, nil
	}
	v, err := c.source.Secret(ctx)
	if err != nil {
		return "", err
	}
	c.value = v
	c.loaded = true
	return v, nil
}
