package github

import (
	"context"
	"crypto/rsa"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// TokenSource supplies the bearer token for API calls.
type TokenSource interface {
	Token(ctx context.Context) (string, error)
}

// StaticToken is a personal access token or an injected installation token.
type StaticToken string

// Token implements TokenSource.
func (t StaticToken) Token(context.Context) (string, error) {
	if t == "" {
		return "", fmt.Errorf("github: empty token")
	}
	return string(t), nil
}

// AppTokenSource exchanges a GitHub App JWT for an installation token and
// caches it until shortly before expiry.
type AppTokenSource struct {
	appID          int64
	installationID int64
	key            *rsa.PrivateKey
	baseURL        string
	httpClient     *http.Client
	clock          func() time.Time

	mu      sync.Mutex
	token   string
	expires time.Time
}

// NewAppTokenSource parses the App private key (PEM, PKCS#1 or PKCS#8).
func NewAppTokenSource(appID, installationID int64, privateKeyPEM []byte, baseURL string) (*AppTokenSource, error) {
	key, err := jwt.ParseRSAPrivateKeyFromPEM(privateKeyPEM)
	if err != nil {
		return nil, fmt.Errorf("github app key: %w", err)
	}
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	return &AppTokenSource{
		appID:          appID,
		installationID: installationID,
		key:            key,
		baseURL:        baseURL,
		httpClient:     &http.Client{Timeout: 30 * time.Second},
		clock:          time.Now,
	}, nil
}

// appJWT signs the short-lived App assertion. iat is backdated to absorb
// clock drift.
func (s *AppTokenSource) appJWT() (string, error) {
	now := s.clock()
	claims := jwt.RegisteredClaims{
		Issuer:    strconv.FormatInt(s.appID, 10),
		IssuedAt:  jwt.NewNumericDate(now.Add(-60 * time.Second)),
		ExpiresAt: jwt.NewNumericDate(now.Add(9 * time.Minute)),
	}
	return jwt.NewWithClaims(jwt.SigningMethodRS256, claims).SignedString(s.key)
}

// Token implements TokenSource.
func (s *AppTokenSource) Token(ctx context.Context) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.token != "" && s.clock().Before(s.expires.Add(-time.Minute)) {
		return s.token, nil
	}

	assertion, err := s.appJWT()
	if err != nil {
		return "", fmt.Errorf("github app jwt: %w", err)
	}
	url := fmt.Sprintf("%s/app/installations/%d/access_tokens", s.baseURL, s.installationID)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, nil)
	if err != nil {
		return "", err
	}
	req.Header.Set("Authorization", "Bearer "+assertion)
	req.Header.Set("Accept", "application/vnd.github+json")

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("github installation token: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusCreated {
		return "", fmt.Errorf("github installation token: status %d", resp.StatusCode)
	}

	var out struct {
		Token     string    `json:"token"`
		ExpiresAt time.Time `json:"expires_at"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("github installation token: %w", err)
	}
	s.token, s.expires = out.Token, out.ExpiresAt
	return s.token, nil
}
