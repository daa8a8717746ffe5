package secretstore

import (
	"context"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"

	v4 "github.com/aws/aws-sdk-go-v2/aws/signer/v4"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
)

type authMethod string

const (
	authToken   authMethod = "token"
	authAppRole authMethod = "approle"
	authAWS     authMethod = "aws"
)

type vaultAuth struct {
	method   authMethod
	mount    string
	token    string
	roleID   string
	secretID string
	awsRole  string
	region   string
	serverID string
}

func parseVaultAuth(cfg ProviderConfig) (vaultAuth, error) {
	a := vaultAuth{
		token:    strings.TrimSpace(cfg.Token),
		roleID:   strings.TrimSpace(cfg.RoleID),
		secretID: strings.TrimSpace(cfg.SecretID),
		awsRole:  strings.TrimSpace(cfg.AWSRole),
		region:   strings.TrimSpace(cfg.AWSRegion),
		serverID: strings.TrimSpace(cfg.AWSHeaderValue),
	}
	switch strings.ToLower(strings.TrimSpace(cfg.AuthMethod)) {
	case "token":
		a.method = authToken
	case "approle", "app-role":
		a.method = authAppRole
	case "aws", "aws-iam", "iam":
		a.method = authAWS
	case "":
		switch {
		case a.roleID != "" || a.secretID != "":
			a.method = authAppRole
		case a.awsRole != "":
			a.method = authAWS
		default:
			a.method = authToken
		}
	default:
		return vaultAuth{}, fmt.Errorf("unsupported vault auth method %q", cfg.AuthMethod)
	}
	if a.method == authToken && a.token == "" {
		a.token = strings.TrimSpace(os.Getenv("VAULT_TOKEN"))
	}
	a.mount = strings.Trim(strings.TrimSpace(cfg.AuthMount), "/")
	if a.mount == "" && a.method != authToken {
		a.mount = string(a.method)
	}
	switch a.method {
	case authToken:
		if a.token == "" {
			return vaultAuth{}, fmt.Errorf("vault token is required (set token or VAULT_TOKEN)")
		}
	case authAppRole:
		if a.roleID == "" || a.secretID == "" {
			return vaultAuth{}, fmt.Errorf("vault approle auth requires roleId and secretId")
		}
	case authAWS:
		if a.awsRole == "" {
			return vaultAuth{}, fmt.Errorf("vault aws auth requires awsRole")
		}
	}
	return a, nil
}

func (p *vaultProvider) login(ctx context.Context) error {
	var payload map[string]interface{}
	switch p.auth.method {
	case authToken:
		return nil
	case authAppRole:
		payload = map[string]interface{}{"role_id": p.auth.roleID, "secret_id": p.auth.secretID}
	case authAWS:
		var err error
		if payload, err = stsLoginPayload(ctx, p.auth); err != nil {
			return err
		}
	}
	secret, err := p.client.Logical().WriteWithContext(ctx, "auth/"+p.auth.mount+"/login", payload)
	if err != nil {
		return err
	}
	if secret == nil || secret.Auth == nil || strings.TrimSpace(secret.Auth.ClientToken) == "" {
		return fmt.Errorf("%s login returned no client token", p.auth.method)
	}
	p.client.SetToken(secret.Auth.ClientToken)
	return nil
}

// stsLoginPayload signs an sts:GetCallerIdentity request with the ambient AWS
// credentials for Vault's aws auth method.
func stsLoginPayload(ctx context.Context, a vaultAuth) (map[string]interface{}, error) {
	region := a.region
	for _, env := range []string{"AWS_REGION", "AWS_DEFAULT_REGION"} {
		if region == "" {
			region = strings.TrimSpace(os.Getenv(env))
		}
	}
	if region == "" {
		return nil, fmt.Errorf("aws region is required for vault auth (set awsRegion or AWS_REGION)")
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(region))
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	creds, err := awsCfg.Credentials.Retrieve(ctx)
	if err != nil {
		return nil, fmt.Errorf("retrieve aws credentials: %w", err)
	}
	const body = "Action=GetCallerIdentity&Version=2011-06-15"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, "https://sts.amazonaws.com/", strings.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded; charset=utf-8")
	if a.serverID != "" {
		req.Header.Set("X-Vault-AWS-IAM-Server-ID", a.serverID)
	}
	sum := sha256.Sum256([]byte(body))
	if err := v4.NewSigner().SignHTTP(ctx, creds, req, hex.EncodeToString(sum[:]), "sts", region, time.Now()); err != nil {
		return nil, fmt.Errorf("sign sts request: %w", err)
	}
	headers := map[string][]string{"Host": {req.Host}}
	for k, v := range req.Header {
		headers[k] = v
	}
	headerJSON, err := json.Marshal(headers)
	if err != nil {
		return nil, err
	}
	enc := base64.StdEncoding.EncodeToString
	return map[string]interface{}{
		"role":                    a.awsRole,
		"iam_http_request_method": req.Method,
		"iam_request_url":         enc([]byte(req.URL.String())),
		"iam_request_body":        enc([]byte(body)),
		"iam_request_headers":     enc(headerJSON),
	}, nil
}
