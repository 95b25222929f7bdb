// Package auth acquires and caches the short-lived bearer credential the
// tool gateway requires, using an OAuth2 client-credentials exchange.
// The credential lives in memory only and is refreshed lazily: there is
// no background refresh goroutine.
package auth

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"

	"github.com/driftlock/opsagent/internal/config"
)

// Credential is a bearer token plus its authoritative expiry. It is never
// persisted to disk.
type Credential struct {
	AccessToken string
	TokenType   string
	ExpiresAt   time.Time
}

// Fresh reports whether the credential is still usable at now, keeping the
// refresh safety margin clear of ExpiresAt.
func (c Credential) Fresh(now time.Time, margin time.Duration) bool {
	return c.AccessToken != "" && now.Add(margin).Before(c.ExpiresAt)
}

// TokenManager owns the credential cache. Concurrent callers share one
// in-flight exchange; the cache is the only mutable state and is guarded
// by mu.
type TokenManager struct {
	tokenURL   string
	clientID   string
	scope      string
	secrets    SecretSource
	margin     time.Duration
	timeout    time.Duration
	httpClient *http.Client
	now        func() time.Time
	log        zerolog.Logger

	mu     sync.RWMutex
	cached *Credential
	flight singleflight.Group
}

func NewTokenManager(cfg config.AuthConfig, secrets SecretSource, log zerolog.Logger) (*TokenManager, error) {
	if strings.TrimSpace(cfg.TokenURL) == "" {
		return nil, fmt.Errorf("token url not configured")
	}
	if strings.TrimSpace(cfg.ClientID) == "" {
		return nil, fmt.Errorf("client id not configured")
	}
	if secrets == nil {
		if cfg.IdentityURL != "" {
			secrets = NewIdentitySecretSource(cfg.IdentityURL, cfg.UserPoolID, cfg.ClientID, time.Duration(cfg.TimeoutSec)*time.Second)
		} else {
			secrets = StaticSecret(cfg.ClientSecret)
		}
	}

	timeout := time.Duration(cfg.TimeoutSec) * time.Second
	return &TokenManager{
		tokenURL:   cfg.TokenURL,
		clientID:   cfg.ClientID,
		scope:      cfg.Scope,
		secrets:    secrets,
		margin:     time.Duration(cfg.RefreshMarginSec) * time.Second,
		timeout:    timeout,
		httpClient: &http.Client{Timeout: timeout},
		now:        time.Now,
		log:        log.With().Str("component", "auth").Logger(),
	}, nil
}

// GetToken returns the cached credential, refreshing it first when the
// cache is empty or inside the safety margin of expiry.
func (m *TokenManager) GetToken(ctx context.Context) (Credential, error) {
	m.mu.RLock()
	cached := m.cached
	m.mu.RUnlock()

	if cached != nil && cached.Fresh(m.now(), m.margin) {
		return *cached, nil
	}
	return m.refresh(ctx, false)
}

// ForceRefresh discards the cache and performs a fresh exchange. Used by
// the gateway client when a request comes back 401 with a token the cache
// still considered fresh.
func (m *TokenManager) ForceRefresh(ctx context.Context) (Credential, error) {
	return m.refresh(ctx, true)
}

func (m *TokenManager) refresh(ctx context.Context, force bool) (Credential, error) {
	v, err, shared := m.flight.Do("token", func() (any, error) {
		if !force {
			// A concurrent caller may have refreshed while we waited.
			m.mu.RLock()
			cached := m.cached
			m.mu.RUnlock()
			if cached != nil && cached.Fresh(m.now(), m.margin) {
				return *cached, nil
			}
		}

		cred, err := m.exchange(ctx)
		if err != nil {
			return Credential{}, err
		}

		m.mu.Lock()
		m.cached = &cred
		m.mu.Unlock()
		return cred, nil
	})
	if err != nil {
		return Credential{}, err
	}
	if shared {
		m.log.Debug().Msg("token exchange shared with concurrent caller")
	}
	return v.(Credential), nil
}

func (m *TokenManager) exchange(ctx context.Context) (Credential, error) {
	ctx, cancel := context.WithTimeout(ctx, m.timeout)
	defer cancel()

	secret, err := m.secrets.ClientSecret(ctx)
	if err != nil {
		return Credential{}, err
	}

	form := url.Values{
		"grant_type":    {"client_credentials"},
		"client_id":     {m.clientID},
		"client_secret": {secret},
	}
	if m.scope != "" {
		form.Set("scope", m.scope)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, m.tokenURL, strings.NewReader(form.Encode()))
	if err != nil {
		return Credential{}, fmt.Errorf("create token request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	started := m.now()
	resp, err := m.httpClient.Do(req)
	if err != nil {
		return Credential{}, &TransientAuthError{Err: fmt.Errorf("token endpoint: %w", err)}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return Credential{}, &TransientAuthError{Err: fmt.Errorf("read token response: %w", err)}
	}

	if resp.StatusCode >= 500 {
		return Credential{}, &TransientAuthError{Err: fmt.Errorf("token endpoint http %d", resp.StatusCode)}
	}

	var decoded struct {
		AccessToken      string `json:"access_token"`
		TokenType        string `json:"token_type"`
		ExpiresIn        int    `json:"expires_in"`
		Error            string `json:"error"`
		ErrorDescription string `json:"error_description"`
	}
	if err := json.Unmarshal(body, &decoded); err != nil {
		return Credential{}, fmt.Errorf("decode token response (http %d): %w", resp.StatusCode, err)
	}

	if decoded.Error != "" {
		reason := decoded.Error
		if decoded.ErrorDescription != "" {
			reason += ": " + decoded.ErrorDescription
		}
		return Credential{}, &AuthError{Reason: reason}
	}
	if decoded.AccessToken == "" {
		return Credential{}, &AuthError{Reason: fmt.Sprintf("no access_token in response (http %d)", resp.StatusCode)}
	}

	tokenType := decoded.TokenType
	if tokenType == "" {
		tokenType = "Bearer"
	}

	cred := Credential{
		AccessToken: decoded.AccessToken,
		TokenType:   tokenType,
		ExpiresAt:   started.Add(time.Duration(decoded.ExpiresIn) * time.Second),
	}
	m.log.Info().Time("expires_at", cred.ExpiresAt).Msg("acquired gateway token")
	return cred, nil
}
