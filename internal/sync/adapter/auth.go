package adapter

import (
	"context"
	"crypto/x509"
	"encoding/json"
	"encoding/pem"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/ehrsync/ehrsync/internal/platform/secrets"
	"github.com/ehrsync/ehrsync/internal/sync/provider"
)

// AuthStyle selects how a vendor profile authenticates.
type AuthStyle string

const (
	// AuthJWTAssertion is SMART backend services: a signed JWT client
	// assertion exchanged for a bearer token at the vendor token endpoint.
	AuthJWTAssertion AuthStyle = "jwt_assertion"
	// AuthClientSecret is plain OAuth2 client-credentials.
	AuthClientSecret AuthStyle = "client_secret"
	// AuthAPIKey sends a static key on every request.
	AuthAPIKey AuthStyle = "api_key"
)

// tokenSource produces Authorization header values, caching bearer tokens
// until shortly before expiry.
type tokenSource struct {
	style    AuthStyle
	prov     provider.Type
	creds    secrets.Credentials
	client   *http.Client
	scope    string
	audience string

	mu      sync.Mutex
	token   string
	expires time.Time
}

func newTokenSource(style AuthStyle, prov provider.Type, creds secrets.Credentials, client *http.Client, scope string) *tokenSource {
	return &tokenSource{
		style:    style,
		prov:     prov,
		creds:    creds,
		client:   client,
		scope:    scope,
		audience: creds.TokenURL,
	}
}

// header returns the value for the Authorization header (or the raw API key
// for api_key vendors).
func (ts *tokenSource) header(ctx context.Context) (string, error) {
	if ts.style == AuthAPIKey {
		return "Bearer " + ts.creds.APIKey, nil
	}

	ts.mu.Lock()
	defer ts.mu.Unlock()
	if ts.token != "" && time.Now().Before(ts.expires.Add(-30*time.Second)) {
		return "Bearer " + ts.token, nil
	}

	tok, ttl, err := ts.fetchToken(ctx)
	if err != nil {
		return "", err
	}
	ts.token = tok
	ts.expires = time.Now().Add(ttl)
	return "Bearer " + tok, nil
}

// invalidate drops the cached token so the next call re-authenticates.
func (ts *tokenSource) invalidate() {
	ts.mu.Lock()
	ts.token = ""
	ts.mu.Unlock()
}

func (ts *tokenSource) fetchToken(ctx context.Context) (string, time.Duration, error) {
	form := url.Values{"grant_type": {"client_credentials"}}
	if ts.scope != "" {
		form.Set("scope", ts.scope)
	}

	switch ts.style {
	case AuthJWTAssertion:
		assertion, err := ts.signAssertion()
		if err != nil {
			return "", 0, &Error{Kind: KindAuth, Provider: ts.prov, Op: "token", Message: "sign client assertion", Err: err}
		}
		form.Set("client_assertion_type", "urn:ietf:params:oauth:client-assertion-type:jwt-bearer")
		form.Set("client_assertion", assertion)
	case AuthClientSecret:
		form.Set("client_id", ts.creds.ClientID)
		form.Set("client_secret", ts.creds.ClientSecret)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, ts.creds.TokenURL, strings.NewReader(form.Encode()))
	if err != nil {
		return "", 0, &Error{Kind: KindTransient, Provider: ts.prov, Op: "token", Message: "build token request", Err: err}
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := ts.client.Do(req)
	if err != nil {
		return "", 0, &Error{Kind: KindTransient, Provider: ts.prov, Op: "token", Message: "token endpoint unreachable", Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		kind := KindAuth
		if resp.StatusCode >= 500 {
			kind = KindTransient
		}
		return "", 0, &Error{
			Kind: kind, Provider: ts.prov, Op: "token",
			StatusCode: resp.StatusCode,
			Message:    "token endpoint rejected request",
		}
	}

	var body struct {
		AccessToken string `json:"access_token"`
		ExpiresIn   int    `json:"expires_in"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return "", 0, &Error{Kind: KindTransient, Provider: ts.prov, Op: "token", Message: "decode token response", Err: err}
	}
	if body.AccessToken == "" {
		return "", 0, &Error{Kind: KindAuth, Provider: ts.prov, Op: "token", Message: "empty access token"}
	}
	ttl := time.Duration(body.ExpiresIn) * time.Second
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	return body.AccessToken, ttl, nil
}

// signAssertion builds the RS384 client assertion SMART backend services
// requires (Epic, Cerner and friends all follow the same profile).
func (ts *tokenSource) signAssertion() (string, error) {
	block, _ := pem.Decode([]byte(ts.creds.PrivateKeyPEM))
	if block == nil {
		return "", fmt.Errorf("no PEM block in private key")
	}
	key, err := x509.ParsePKCS8PrivateKey(block.Bytes)
	if err != nil {
		if rsaKey, rsaErr := x509.ParsePKCS1PrivateKey(block.Bytes); rsaErr == nil {
			key = rsaKey
		} else {
			return "", fmt.Errorf("parse private key: %w", err)
		}
	}

	now := time.Now()
	claims := jwt.MapClaims{
		"iss": ts.creds.ClientID,
		"sub": ts.creds.ClientID,
		"aud": ts.audience,
		"jti": uuid.NewString(),
		"iat": now.Unix(),
		"exp": now.Add(4 * time.Minute).Unix(),
	}
	return jwt.NewWithClaims(jwt.SigningMethodRS384, claims).SignedString(key)
}
