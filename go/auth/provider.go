// Package auth supplies valid bearers for the cloud session. The device-flow
// handshake which first produces a token pair is external; this package
// loads the persisted pair, refreshes the access token proactively before it
// expires, and persists each new pair.
package auth

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	log "github.com/sirupsen/logrus"
	"golang.org/x/oauth2"
	"k8s.io/utils/clock"
)

// ErrLoggedOut is surfaced when the refresh grant fails: the session cannot
// be recovered without a fresh device-flow login, and the orchestrator
// transitions to its logged-out state.
var ErrLoggedOut = errors.New("session is logged out")

// refreshLeeway is how long before expiry the access token is refreshed.
const refreshLeeway = 60 * time.Second

// Config configures the token provider.
type Config struct {
	// Domain is the auth tenant, e.g. "auth.example.com".
	Domain   string
	ClientID string
	Scope    string
	Audience string
	// StorePath is the base64-JSON token store file.
	StorePath string
}

// tokenPair is the persisted shape of the token store.
type tokenPair struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
}

// Provider implements cloud.TokenProvider: Token never returns an expired
// bearer, refreshing when the current one is within refreshLeeway of expiry.
type Provider struct {
	cfg   Config
	oauth *oauth2.Config
	clock clock.PassiveClock

	mu      sync.Mutex
	access  string
	refresh string
	expiry  time.Time
}

// Load builds a Provider from the persisted token store.
func Load(cfg Config, clk clock.PassiveClock) (*Provider, error) {
	if clk == nil {
		clk = clock.RealClock{}
	}
	var pair, err = readTokenStore(cfg.StorePath)
	if err != nil {
		return nil, err
	}

	var p = &Provider{
		cfg: cfg,
		oauth: &oauth2.Config{
			ClientID: cfg.ClientID,
			Endpoint: oauth2.Endpoint{
				TokenURL: fmt.Sprintf("https://%s/oauth/token", cfg.Domain),
			},
		},
		clock:   clk,
		access:  pair.AccessToken,
		refresh: pair.RefreshToken,
		expiry:  jwtExpiry(pair.AccessToken),
	}
	return p, nil
}

// Token returns a valid bearer, refreshing first if the cached one expires
// within refreshLeeway.
func (p *Provider) Token(ctx context.Context) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.access != "" && p.clock.Now().Before(p.expiry.Add(-refreshLeeway)) {
		return p.access, nil
	}
	return p.refreshLocked(ctx)
}

// Refresh discards the cached access token and fetches a fresh one.
func (p *Provider) Refresh(ctx context.Context) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.refreshLocked(ctx)
}

func (p *Provider) refreshLocked(ctx context.Context) (string, error) {
	if p.refresh == "" {
		return "", fmt.Errorf("%w: no refresh token in store", ErrLoggedOut)
	}

	var source = p.oauth.TokenSource(ctx, &oauth2.Token{RefreshToken: p.refresh})
	var tok, err = source.Token()
	if err != nil {
		return "", fmt.Errorf("%w: refresh grant failed: %v", ErrLoggedOut, err)
	}

	p.access = tok.AccessToken
	if tok.RefreshToken != "" {
		p.refresh = tok.RefreshToken
	}
	p.expiry = jwtExpiry(tok.AccessToken)
	if p.expiry.IsZero() {
		p.expiry = tok.Expiry
	}

	if err = writeTokenStore(p.cfg.StorePath, tokenPair{
		AccessToken:  p.access,
		RefreshToken: p.refresh,
	}); err != nil {
		// The session is alive; only durability suffered.
		log.WithField("error", err).Error("persisting refreshed token pair")
	}

	log.WithField("expiry", p.expiry).Debug("access token refreshed")
	return p.access, nil
}

// SetTokenURL overrides the refresh endpoint; it exists for tests.
func (p *Provider) SetTokenURL(url string) { p.oauth.Endpoint.TokenURL = url }

// jwtExpiry extracts the exp claim without verifying the signature; the
// token's validity is the server's concern, its expiry is ours.
func jwtExpiry(token string) time.Time {
	var claims jwt.MapClaims
	var parser = jwt.NewParser()
	if _, _, err := parser.ParseUnverified(token, &claims); err != nil {
		return time.Time{}
	}
	var exp, err = claims.GetExpirationTime()
	if err != nil || exp == nil {
		return time.Time{}
	}
	return exp.Time
}

func readTokenStore(path string) (tokenPair, error) {
	var pair tokenPair
	var raw, err = os.ReadFile(path)
	if err != nil {
		return pair, fmt.Errorf("reading token store %s: %w", path, err)
	}
	decoded, err := base64.StdEncoding.DecodeString(string(raw))
	if err != nil {
		return pair, fmt.Errorf("decoding token store %s: %w", path, err)
	}
	if err = json.Unmarshal(decoded, &pair); err != nil {
		return pair, fmt.Errorf("parsing token store %s: %w", path, err)
	}
	return pair, nil
}

func writeTokenStore(path string, pair tokenPair) error {
	var raw, err = json.Marshal(pair)
	if err != nil {
		return fmt.Errorf("encoding token store: %w", err)
	}
	var encoded = base64.StdEncoding.EncodeToString(raw)
	if err = os.WriteFile(path, []byte(encoded), 0600); err != nil {
		return fmt.Errorf("writing token store %s: %w", path, err)
	}
	return nil
}
