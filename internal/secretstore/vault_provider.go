package secretstore

import (
	"context"
	"fmt"
	"strings"
	"sync"

	vault "github.com/hashicorp/vault/api"
)

// vaultProvider reads KV v1 or v2 secrets. Paths take the form
// "app/signing#passphrase"; without a "#key" the provider key, then "value",
// then a lone field are tried.
type vaultProvider struct {
	client    *vault.Client
	mount     string
	kvVersion int
	key       string
	auth      vaultAuth

	loginOnce sync.Once
	loginErr  error
}

func newVaultProvider(cfg ProviderConfig) (*vaultProvider, error) {
	address := strings.TrimSpace(cfg.Address)
	if address == "" {
		return nil, fmt.Errorf("vault address is required")
	}
	auth, err := parseVaultAuth(cfg)
	if err != nil {
		return nil, err
	}
	kvVersion := cfg.KVVersion
	if kvVersion == 0 {
		kvVersion = 2
	}
	if kvVersion != 1 && kvVersion != 2 {
		return nil, fmt.Errorf("vault kvVersion must be 1 or 2")
	}
	mount := strings.Trim(strings.TrimSpace(cfg.Mount), "/")
	if mount == "" {
		mount = "secret"
	}

	apiCfg := vault.DefaultConfig()
	apiCfg.Address = address
	client, err := vault.NewClient(apiCfg)
	if err != nil {
		return nil, fmt.Errorf("vault client: %w", err)
	}
	if ns := strings.TrimSpace(cfg.Namespace); ns != "" {
		client.SetNamespace(ns)
	}
	if auth.method == authToken {
		client.SetToken(auth.token)
	}
	return &vaultProvider{
		client:    client,
		mount:     mount,
		kvVersion: kvVersion,
		key:       strings.TrimSpace(cfg.Key),
		auth:      auth,
	}, nil
}

func (p *vaultProvider) Resolve(ctx context.Context, secretPath string) (string, error) {
	path, key, _ := strings.Cut(strings.TrimSpace(secretPath), "#")
	path = strings.Trim(strings.TrimSpace(path), "/")
	if path == "" {
		return "", fmt.Errorf("vault secret path is required")
	}
	p.loginOnce.Do(func() { p.loginErr = p.login(ctx) })
	if p.loginErr != nil {
		return "", fmt.Errorf("vault login: %w", p.loginErr)
	}

	var data map[string]interface{}
	if p.kvVersion == 1 {
		secret, err := p.client.Logical().ReadWithContext(ctx, p.mount+"/"+path)
		if err != nil {
			return "", err
		}
		if secret != nil {
			data = secret.Data
		}
	} else {
		secret, err := p.client.KVv2(p.mount).Get(ctx, path)
		if err != nil {
			return "", err
		}
		if secret != nil {
			data = secret.Data
		}
	}
	if len(data) == 0 {
		return "", fmt.Errorf("vault secret %s/%s not found", p.mount, path)
	}
	key = strings.TrimSpace(key)
	if key == "" {
		key = p.key
	}
	return pickField(data, key)
}

func pickField(data map[string]interface{}, key string) (string, error) {
	for _, candidate := range []string{key, "value"} {
		if candidate == "" {
			continue
		}
		if v, ok := data[candidate]; ok {
			return stringField(candidate, v)
		}
	}
	if len(data) == 1 {
		for name, v := range data {
			return stringField(name, v)
		}
	}
	if key == "" {
		return "", fmt.Errorf("secret has %d fields; name one with #key", len(data))
	}
	return "", fmt.Errorf("secret key %q not found", key)
}

func stringField(name string, v interface{}) (string, error) {
	s, ok := v.(string)
	if !ok {
		return "", fmt.Errorf("secret field %q is not a string", name)
	}
	return s, nil
}
