package daps

import (
	"context"
	"crypto"
	"crypto/x509"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/MicahParks/keyfunc"
	"github.com/golang-jwt/jwt/v4"
	"github.com/google/uuid"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/clientcredentials"
)

// OAuth2 client assertion constants used by DAPS servers.
const (
	clientAssertionType = "urn:ietf:params:oauth:client-assertion-type:jwt-bearer"

	// DefaultScope is the scope requested from the DAPS.
	DefaultScope = "idsc:IDS_CONNECTOR_ATTRIBUTES_ALL"
)

// RemoteConfig configures the Remote driver.
type RemoteConfig struct {
	// TokenURL is the DAPS token endpoint.
	TokenURL string

	// JWKSURL is the DAPS key set endpoint.
	JWKSURL string

	// ClientID identifies the connector at the DAPS and is used as iss and
	// sub of the client assertion.
	ClientID string

	// SigningKey signs the client assertion.
	SigningKey crypto.Signer

	// KeyID is the kid header of the client assertion.
	KeyID string

	// AssertionAudience is the aud claim of the client assertion. Empty uses
	// TokenURL.
	AssertionAudience string

	// Scope requested for the DAT.
	Scope string

	// TrustedIssuers restricts the iss claim of peer tokens when non-empty.
	TrustedIssuers []string

	// RenewalThreshold is the fraction of the DAT lifetime after which a new
	// token is fetched.
	RenewalThreshold float64

	// JWKSCacheTTL is the background refresh interval of the key set.
	JWKSCacheTTL time.Duration

	// JWKSRefreshRateLimit is the minimum time between two key set refreshes
	// triggered by tokens with an unknown kid.
	JWKSRefreshRateLimit time.Duration

	// HTTPClient performs requests. Nil uses a client with a 10s timeout.
	HTTPClient *http.Client

	// Logger for operational logging.
	Logger *slog.Logger
}

// DefaultRemoteConfig returns defaults for the optional settings.
func DefaultRemoteConfig() RemoteConfig {
	return RemoteConfig{
		Scope:                DefaultScope,
		RenewalThreshold:     0.666,
		JWKSCacheTTL:         10 * time.Minute,
		JWKSRefreshRateLimit: 30 * time.Second,
	}
}

// Remote talks to a DAPS server. Close stops the key set refresh.
type Remote struct {
	cfg    RemoteConfig
	client *http.Client
	logger *slog.Logger
	tokens oauth2.TokenSource

	ctx    context.Context
	cancel context.CancelFunc

	mu   sync.Mutex
	jwks *keyfunc.JWKS
}

// NewRemote creates a Remote driver. The key set is fetched on the first
// Verify.
func NewRemote(cfg RemoteConfig) (*Remote, error) {
	if cfg.TokenURL == "" || cfg.JWKSURL == "" {
		return nil, fmt.Errorf("%w: token and JWKS URL required", ErrInvalidDapsConfig)
	}
	if cfg.SigningKey == nil || cfg.ClientID == "" {
		return nil, fmt.Errorf("%w: client id and signing key required", ErrInvalidDapsConfig)
	}
	if _, err := signingMethod(cfg.SigningKey); err != nil {
		return nil, err
	}

	def := DefaultRemoteConfig()
	if cfg.Scope == "" {
		cfg.Scope = def.Scope
	}
	if cfg.RenewalThreshold <= 0 || cfg.RenewalThreshold > 1 {
		cfg.RenewalThreshold = def.RenewalThreshold
	}
	if cfg.JWKSCacheTTL <= 0 {
		cfg.JWKSCacheTTL = def.JWKSCacheTTL
	}
	if cfg.JWKSRefreshRateLimit <= 0 {
		cfg.JWKSRefreshRateLimit = def.JWKSRefreshRateLimit
	}
	if cfg.AssertionAudience == "" {
		cfg.AssertionAudience = cfg.TokenURL
	}

	r := &Remote{cfg: cfg, client: cfg.HTTPClient, logger: cfg.Logger}
	if r.client == nil {
		r.client = &http.Client{Timeout: 10 * time.Second}
	}
	if r.logger == nil {
		r.logger = slog.Default()
	}
	r.ctx, r.cancel = context.WithCancel(context.WithValue(context.Background(), oauth2.HTTPClient, r.client))
	r.tokens = oauth2.ReuseTokenSourceWithExpiry(nil, assertionSource{r}, time.Second)
	return r, nil
}

// Token implements Driver. A cached DAT is reused until the renewal
// threshold of its lifetime has passed.
func (r *Remote) Token(ctx context.Context) ([]byte, error) {
	type result struct {
		token *oauth2.Token
		err   error
	}
	done := make(chan result, 1)
	go func() {
		t, err := r.tokens.Token()
		done <- result{t, err}
	}()

	select {
	case res := <-done:
		if res.err != nil {
			return nil, fmt.Errorf("%w: %w", ErrTokenUnavailable, res.err)
		}
		return []byte(res.token.AccessToken), nil
	case <-ctx.Done():
		return nil, fmt.Errorf("%w: %w", ErrTokenUnavailable, ctx.Err())
	}
}

// assertionSource fetches DATs with a freshly signed client assertion per
// request.
type assertionSource struct {
	r *Remote
}

func (s assertionSource) Token() (*oauth2.Token, error) {
	r := s.r
	now := time.Now()
	assertion, err := signClaims(&jwt.RegisteredClaims{
		Issuer:    r.cfg.ClientID,
		Subject:   r.cfg.ClientID,
		Audience:  jwt.ClaimStrings{r.cfg.AssertionAudience},
		ExpiresAt: jwt.NewNumericDate(now.Add(time.Minute)),
		NotBefore: jwt.NewNumericDate(now.Add(-10 * time.Second)),
		IssuedAt:  jwt.NewNumericDate(now),
		ID:        uuid.NewString(),
	}, r.cfg.SigningKey, r.cfg.KeyID)
	if err != nil {
		return nil, fmt.Errorf("failed to sign client assertion: %w", err)
	}

	cc := clientcredentials.Config{
		ClientID: r.cfg.ClientID,
		TokenURL: r.cfg.TokenURL,
		Scopes:   []string{r.cfg.Scope},
		EndpointParams: url.Values{
			"client_assertion_type": {clientAssertionType},
			"client_assertion":      {assertion},
		},
		AuthStyle: oauth2.AuthStyleInParams,
	}
	tok, err := cc.Token(r.ctx)
	if err != nil {
		return nil, err
	}

	expiry := tok.Expiry
	if expiry.IsZero() {
		// Fall back to the exp claim of the token itself.
		var claims Claims
		if _, _, err := jwt.NewParser().ParseUnverified(tok.AccessToken, &claims); err != nil {
			return nil, fmt.Errorf("failed to parse issued token: %w", err)
		}
		if claims.ExpiresAt == nil {
			return nil, errors.New("issued token without expiry")
		}
		expiry = claims.ExpiresAt.Time
	}

	lifetime := expiry.Sub(now)
	tok.Expiry = now.Add(time.Duration(float64(lifetime) * r.cfg.RenewalThreshold))
	r.logger.Debug("fetched DAT",
		"lifetime", lifetime,
		"renew_at", tok.Expiry)
	return tok, nil
}

// Verify implements Driver. A token signed with an unknown kid triggers a
// rate-limited refresh of the key set.
func (r *Remote) Verify(_ context.Context, token []byte, req SecurityRequirements, peerCert *x509.Certificate) (time.Duration, error) {
	jwks, err := r.keySet()
	if err != nil {
		return 0, err
	}

	claims, err := parseToken(token, func(t *jwt.Token) (any, error) {
		key, err := jwks.Keyfunc(t)
		if err != nil {
			return nil, fmt.Errorf("%w: %w", ErrUnknownKey, err)
		}
		return key, nil
	}, r.cfg.TrustedIssuers)
	if err != nil {
		return 0, err
	}
	return verifyClaims(claims, req, peerCert)
}

func (r *Remote) keySet() (*keyfunc.JWKS, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.jwks != nil {
		return r.jwks, nil
	}
	jwks, err := keyfunc.Get(r.cfg.JWKSURL, keyfunc.Options{
		Client:            r.client,
		Ctx:               r.ctx,
		RefreshInterval:   r.cfg.JWKSCacheTTL,
		RefreshRateLimit:  r.cfg.JWKSRefreshRateLimit,
		RefreshTimeout:    r.client.Timeout,
		RefreshUnknownKID: true,
		RefreshErrorHandler: func(err error) {
			r.logger.Warn("refreshing DAPS key set failed", "error", err)
		},
	})
	if err != nil {
		return nil, fmt.Errorf("%w: fetching JWKS: %w", ErrUnknownKey, err)
	}
	r.jwks = jwks
	return jwks, nil
}

// Close stops the background key set refresh.
func (r *Remote) Close() error {
	r.cancel()
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.jwks != nil {
		r.jwks.EndBackground()
	}
	return nil
}
