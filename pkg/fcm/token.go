package fcm

import (
	"context"
	"crypto/rsa"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"

	pkgerrors "github.com/rbrinkke/notifications-service/pkg/errors"
)

const (
	messagingScope = "https://www.googleapis.com/auth/firebase.messaging"
	googleTokenURL = "https://oauth2.googleapis.com/token"

	// Tokens are refreshed this long before their stated expiry.
	refreshSkew = 60 * time.Second
)

type serviceAccount struct {
	ClientEmail string `json:"client_email"`
	PrivateKey  string `json:"private_key"`
	ProjectID   string `json:"project_id"`
}

func loadServiceAccount(path string) (serviceAccount, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return serviceAccount{}, fmt.Errorf("reading service account %s: %w", path, err)
	}
	var account serviceAccount
	if err := json.Unmarshal(raw, &account); err != nil {
		return serviceAccount{}, fmt.Errorf("parsing service account: %w", err)
	}
	if account.ClientEmail == "" || account.PrivateKey == "" {
		return serviceAccount{}, fmt.Errorf("service account is missing client_email or private_key")
	}
	return account, nil
}

type cachedToken struct {
	accessToken string
	expiresAt   time.Time
}

// tokenSource exchanges a signed service-account JWT for an OAuth2 access
// token. The cached value is read under a snapshot lock; the refresh mutex
// guarantees at most one exchange is in flight.
type tokenSource struct {
	httpClient *http.Client
	tokenURL   string
	email      string
	key        *rsa.PrivateKey
	now        func() time.Time

	snapshotMu sync.RWMutex
	cached     *cachedToken
	refreshMu  sync.Mutex
}

func newTokenSource(account serviceAccount, timeout time.Duration) (*tokenSource, error) {
	key, err := jwt.ParseRSAPrivateKeyFromPEM([]byte(account.PrivateKey))
	if err != nil {
		return nil, fmt.Errorf("parsing service account private key: %w", err)
	}
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &tokenSource{
		httpClient: &http.Client{Timeout: timeout},
		tokenURL:   googleTokenURL,
		email:      account.ClientEmail,
		key:        key,
		now:        time.Now,
	}, nil
}

// Token returns a valid access token, refreshing when the cached one is
// within refreshSkew of expiry.
func (s *tokenSource) Token(ctx context.Context) (string, error) {
	if token, ok := s.snapshot(); ok {
		return token, nil
	}

	s.refreshMu.Lock()
	defer s.refreshMu.Unlock()

	// Another caller may have refreshed while this one waited on the mutex.
	if token, ok := s.snapshot(); ok {
		return token, nil
	}

	fresh, err := s.fetch(ctx)
	if err != nil {
		return "", err
	}

	s.snapshotMu.Lock()
	s.cached = fresh
	s.snapshotMu.Unlock()

	return fresh.accessToken, nil
}

func (s *tokenSource) snapshot() (string, bool) {
	s.snapshotMu.RLock()
	defer s.snapshotMu.RUnlock()
	if s.cached == nil {
		return "", false
	}
	if s.now().Add(refreshSkew).After(s.cached.expiresAt) {
		return "", false
	}
	return s.cached.accessToken, true
}

func (s *tokenSource) fetch(ctx context.Context) (*cachedToken, error) {
	now := s.now()
	claims := jwt.MapClaims{
		"iss":   s.email,
		"scope": messagingScope,
		"aud":   s.tokenURL,
		"iat":   now.Unix(),
		"exp":   now.Add(time.Hour).Unix(),
	}

	assertion, err := jwt.NewWithClaims(jwt.SigningMethodRS256, claims).SignedString(s.key)
	if err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeTransportPermanent, err, "signing oauth2 assertion")
	}

	form := url.Values{
		"grant_type": {"urn:ietf:params:oauth:grant-type:jwt-bearer"},
		"assertion":  {assertion},
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.tokenURL, strings.NewReader(form.Encode()))
	if err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeTransportPermanent, err, "building oauth2 request")
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeTransportTransient, err, "oauth2 token request")
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<16))
	if err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeTransportTransient, err, "reading oauth2 response")
	}
	if resp.StatusCode != http.StatusOK {
		code := pkgerrors.CodeTransportPermanent
		if resp.StatusCode >= 500 {
			code = pkgerrors.CodeTransportTransient
		}
		return nil, pkgerrors.New(code, fmt.Sprintf("oauth2 token exchange returned %d: %s", resp.StatusCode, raw))
	}

	var body struct {
		AccessToken string `json:"access_token"`
		ExpiresIn   int64  `json:"expires_in"`
	}
	if err := json.Unmarshal(raw, &body); err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeTransportTransient, err, "parsing oauth2 response")
	}
	if body.AccessToken == "" {
		return nil, pkgerrors.New(pkgerrors.CodeTransportPermanent, "oauth2 response contained no access token")
	}

	return &cachedToken{
		accessToken: body.AccessToken,
		expiresAt:   now.Add(time.Duration(body.ExpiresIn) * time.Second),
	}, nil
}
