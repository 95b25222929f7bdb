package auth

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// SecretSource resolves the machine client's secret. The secret is fetched
// once per token acquisition, not once per request, so implementations do
// not need to cache.
type SecretSource interface {
	ClientSecret(ctx context.Context) (string, error)
}

// StaticSecret serves a secret injected through configuration.
type StaticSecret string

func (s StaticSecret) ClientSecret(ctx context.Context) (string, error) {
	if s == "" {
		return "", &AuthError{Reason: "client secret not configured"}
	}
	return string(s), nil
}

// IdentitySecretSource performs the identity provider's describe-client
// call, keyed by user pool and client ID, to obtain the secret.
type IdentitySecretSource struct {
	baseURL    string
	userPoolID string
	clientID   string
	httpClient *http.Client
}

func NewIdentitySecretSource(baseURL, userPoolID, clientID string, timeout time.Duration) *IdentitySecretSource {
	return &IdentitySecretSource{
		baseURL:    strings.TrimRight(strings.TrimSpace(baseURL), "/"),
		userPoolID: userPoolID,
		clientID:   clientID,
		httpClient: &http.Client{Timeout: timeout},
	}
}

func (s *IdentitySecretSource) ClientSecret(ctx context.Context) (string, error) {
	if s.baseURL == "" {
		return "", &AuthError{Reason: "identity provider url not configured"}
	}

	payload, err := json.Marshal(map[string]string{
		"user_pool_id": s.userPoolID,
		"client_id":    s.clientID,
	})
	if err != nil {
		return "", fmt.Errorf("marshal describe request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.baseURL+"/describe-client", bytes.NewReader(payload))
	if err != nil {
		return "", fmt.Errorf("create describe request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return "", &TransientAuthError{Err: fmt.Errorf("describe client: %w", err)}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", &TransientAuthError{Err: fmt.Errorf("read describe response: %w", err)}
	}

	if resp.StatusCode >= 500 {
		return "", &TransientAuthError{Err: fmt.Errorf("describe client http %d", resp.StatusCode)}
	}
	if resp.StatusCode != http.StatusOK {
		return "", &AuthError{Reason: fmt.Sprintf("describe client http %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))}
	}

	var decoded struct {
		ClientSecret string `json:"client_secret"`
	}
	if err := json.Unmarshal(body, &decoded); err != nil {
		return "", fmt.Errorf("decode describe response: %w", err)
	}
	if decoded.ClientSecret == "" {
		return "", &AuthError{Reason: "identity provider returned no client secret"}
	}
	return decoded.ClientSecret, nil
}
