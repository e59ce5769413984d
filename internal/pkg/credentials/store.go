package credentials

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/pkg/errors"
	"golang.org/x/oauth2"

	"github.com/deye-bridge/deye-bridge/internal/pkg/logging"
)

const (
	defaultMinTokenValidity = time.Second * 60
	defaultRefreshTimeout   = time.Second * 30
	defaultMaxAttempts      = 3
	refreshBackoffBase      = time.Millisecond * 500

	// Deye docs suggest ~60 day tokens;  used when the response does
	// not carry an expiresIn
	fallbackTokenLifetime = 60 * 24 * time.Hour
)

// Config carries the static application credentials and refresh policy.
type Config struct {
	BaseURL   string
	AppID     string
	AppSecret string
	Email     string
	Password  string

	// MinTokenValidity is the safety margin: a token expiring within
	// this window is refreshed before use.  Default 60s.
	MinTokenValidity time.Duration

	// MaxAttempts bounds refresh retries before AuthFailure. Default 3.
	MaxAttempts int

	// TokenFile, when set, persists the token across restarts
	TokenFile string
}

// Store owns the bearer token for the account.  Concurrent callers that
// find the token expired collapse into a single in-flight refresh and
// all observe the same result.
type Store struct {
	baseURL      string
	appID        string
	appSecret    string
	email        string
	passwordHash string
	margin       time.Duration
	maxAttempts  int
	tokenFile    string
	client       *http.Client

	mu       sync.Mutex
	tok      *oauth2.Token
	inflight *refreshCall
}

type refreshCall struct {
	done chan struct{}
	tok  *oauth2.Token
	err  error
}

func NewStore(cfg Config) *Store {
	if cfg.MinTokenValidity == 0 {
		cfg.MinTokenValidity = defaultMinTokenValidity
	}
	if cfg.MaxAttempts == 0 {
		cfg.MaxAttempts = defaultMaxAttempts
	}

	// Deye expects sha256(password) hex, lower case
	sum := sha256.Sum256([]byte(cfg.Password))

	s := &Store{
		baseURL:      normalizeBaseURL(cfg.BaseURL),
		appID:        cfg.AppID,
		appSecret:    cfg.AppSecret,
		email:        cfg.Email,
		passwordHash: strings.ToLower(hex.EncodeToString(sum[:])),
		margin:       cfg.MinTokenValidity,
		maxAttempts:  cfg.MaxAttempts,
		tokenFile:    cfg.TokenFile,
		client:       &http.Client{Timeout: defaultRefreshTimeout},
	}

	if s.tokenFile != "" {
		if tok, err := loadToken(s.tokenFile); err == nil {
			s.tok = tok
		} else {
			logging.Logger(nil).WithError(err).Debug("no usable cached token, will refresh")
		}
	}

	return s
}

func normalizeBaseURL(base string) string {
	base = strings.TrimRight(strings.TrimSpace(base), "/")
	if base == "" {
		base = "https://eu1-developer.deyecloud.com"
	}

	switch {
	case strings.HasSuffix(base, "/1.0"):
		base = strings.TrimSuffix(base, "/1.0") + "/v1.0"
	case !strings.HasSuffix(base, "/v1.0"):
		base = base + "/v1.0"
	}

	return base
}

// Token returns a credential guaranteed valid for at least the
// configured safety margin, refreshing first if necessary.
func (s *Store) Token(ctx context.Context) (*oauth2.Token, error) {
	s.mu.Lock()

	if s.tok != nil && s.tok.Expiry.After(time.Now().Add(s.margin)) {
		tok := s.tok
		s.mu.Unlock()
		return tok, nil
	}

	if s.inflight == nil {
		call := &refreshCall{done: make(chan struct{})}
		s.inflight = call
		go s.runRefresh(call)
	}
	call := s.inflight
	s.mu.Unlock()

	select {
	case <-call.done:
		return call.tok, call.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Bearer satisfies the API client's token source
func (s *Store) Bearer(ctx context.Context) (string, error) {
	tok, err := s.Token(ctx)
	if err != nil {
		return "", err
	}

	return tok.AccessToken, nil
}

// Invalidate forcibly discards the current token.  Called after the
// server rejects one, so it is never presented again.
func (s *Store) Invalidate() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.tok = nil
}

// Verify performs a fresh token exchange, proving the configured
// credentials work.
func (s *Store) Verify(ctx context.Context) error {
	s.Invalidate()
	_, err := s.Token(ctx)
	return err
}

// runRefresh is the single in-flight refresh.  It retries with
// exponential backoff up to the attempt bound, then publishes the
// result to every waiter.
func (s *Store) runRefresh(call *refreshCall) {
	defer func() {
		s.mu.Lock()
		if call.err == nil {
			s.tok = call.tok
		}
		s.inflight = nil
		s.mu.Unlock()

		close(call.done)
	}()

	ctx, cancel := context.WithTimeout(context.Background(), defaultRefreshTimeout*time.Duration(s.maxAttempts))
	defer cancel()

	var lastErr error
	for attempt := 0; attempt < s.maxAttempts; attempt++ {
		if attempt > 0 {
			backoff := refreshBackoffBase << (attempt - 1)
			logging.Logger(nil).Debugf("token refresh attempt %d failed, backing off %s", attempt, backoff)

			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				call.err = errors.Wrap(lastErr, "token refresh abandoned")
				return
			}
		}

		tok, err := s.exchange(ctx)
		if err == nil {
			call.tok = tok
			s.saveToken(tok)
			return
		}
		lastErr = err
	}

	call.err = errors.Wrapf(lastErr, "token refresh failed after %d attempts", s.maxAttempts)
}

// tokenResponse tolerates the assorted shapes Deye tenants return the
// token in:  at the root as accessToken/token, or nested under data as
// an object or a bare string.
type tokenResponse struct {
	AccessToken string          `json:"accessToken"`
	Token       string          `json:"token"`
	ExpiresIn   int64           `json:"expiresIn"`
	Data        json.RawMessage `json:"data"`
}

func (r tokenResponse) token() (string, int64) {
	if r.AccessToken != "" {
		return r.AccessToken, r.ExpiresIn
	}
	if r.Token != "" {
		return r.Token, r.ExpiresIn
	}

	if len(r.Data) > 0 {
		var nested struct {
			AccessToken  string `json:"accessToken"`
			AccessToken2 string `json:"access_token"`
			Token        string `json:"token"`
			ExpiresIn    int64  `json:"expiresIn"`
		}
		if err := json.Unmarshal(r.Data, &nested); err == nil {
			switch {
			case nested.AccessToken != "":
				return nested.AccessToken, nested.ExpiresIn
			case nested.AccessToken2 != "":
				return nested.AccessToken2, nested.ExpiresIn
			case nested.Token != "":
				return nested.Token, nested.ExpiresIn
			}
		}

		var bare string
		if err := json.Unmarshal(r.Data, &bare); err == nil && bare != "" {
			return bare, 0
		}
	}

	return "", 0
}

// exchange performs the App ID / App Secret credential exchange
func (s *Store) exchange(ctx context.Context) (*oauth2.Token, error) {
	logging.Logger(ctx).Debug("obtaining new access token")

	reqBody, err := json.Marshal(map[string]string{
		"appSecret": s.appSecret,
		"email":     s.email,
		"password":  s.passwordHash,
	})
	if err != nil {
		return nil, errors.Wrap(err, "encoding token request")
	}

	url := s.baseURL + "/account/token?appId=" + s.appID
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(reqBody))
	if err != nil {
		return nil, errors.Wrap(err, "building token request")
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, errors.Wrap(err, "executing token request")
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, errors.Wrap(err, "reading token response")
	}

	if resp.StatusCode != http.StatusOK {
		return nil, errors.Errorf("non-200 code from token endpoint: %d (%s)", resp.StatusCode, resp.Status)
	}

	var tr tokenResponse
	if err := json.Unmarshal(respBody, &tr); err != nil {
		return nil, errors.Wrap(err, "decoding token response")
	}

	accessToken, expiresIn := tr.token()
	if accessToken == "" {
		return nil, errors.New("no access token in response")
	}

	lifetime := fallbackTokenLifetime
	if expiresIn > 0 {
		lifetime = time.Duration(expiresIn) * time.Second
	}

	logging.Logger(ctx).Debugf("access token obtained, valid %s", lifetime)

	return &oauth2.Token{
		AccessToken: accessToken,
		TokenType:   "Bearer",
		Expiry:      time.Now().Add(lifetime),
	}, nil
}
