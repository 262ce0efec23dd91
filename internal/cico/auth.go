// Package cico session authentication.
//
// # Authentication Model
//
// CICO is a PHP session application. There is no token endpoint: the client
// POSTs the login form to /login.php and receives a PHPSESSID cookie, which
// is then sent on every data request. Two authenticators are provided:
//
//   - Password login: the client logs in at construction time and can
//     re-login on demand via ForceRefresh (e.g. after the server expired
//     the session). This is the normal production path.
//
//   - Static session: a PHPSESSID captured elsewhere (browser dev tools,
//     another script) is supplied directly. Useful for ad hoc scripts;
//     ForceRefresh is a no-op since there are no credentials to replay.
//
// Unlike OAuth there is no expires_in in the login response, so there is no
// proactive background refresh: an expired session surfaces as an AuthError
// on the next call and the caller decides whether to ForceRefresh.
//
// # Thread Safety
//
// All authenticator implementations are safe for concurrent use. The
// password authenticator guards the session id with a sync.RWMutex so many
// requests can read it while a re-login is serialized.
package cico

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/rsmoorthy/cicogrid/internal/config"
)

// sessionCookieName is the cookie CICO issues on login.
const sessionCookieName = "PHPSESSID"

// Authenticator provides the session id attached to CICO data requests.
// Implementations must be safe for concurrent use by multiple goroutines.
type Authenticator interface {
	// SessionID returns the current session id. The context allows
	// cancellation during session acquisition.
	SessionID(ctx context.Context) (string, error)

	// ForceRefresh establishes a fresh session. Callers use this after an
	// AuthError when credentials are known to still be valid. For static
	// sessions this is a no-op.
	ForceRefresh(ctx context.Context) error

	// Close releases any resources held by the authenticator.
	Close()
}

// ----- Static Authenticator -----

// StaticAuthenticator implements Authenticator with a pre-supplied session
// id. ForceRefresh is a no-op — when the session expires the only recourse
// is supplying a new id.
type StaticAuthenticator struct {
	sessionID string
}

// NewStaticAuthenticator wraps an externally obtained PHPSESSID.
func NewStaticAuthenticator(sessionID string) *StaticAuthenticator {
	return &StaticAuthenticator{sessionID: sessionID}
}

// SessionID returns the fixed session id.
func (s *StaticAuthenticator) SessionID(_ context.Context) (string, error) {
	if s.sessionID == "" {
		return "", &AuthError{Reason: "no session id configured"}
	}
	return s.sessionID, nil
}

// ForceRefresh is a no-op — a static session cannot be re-acquired.
func (s *StaticAuthenticator) ForceRefresh(_ context.Context) error {
	return nil
}

// Close is a no-op.
func (s *StaticAuthenticator) Close() {}

// ----- Password Authenticator -----

// PasswordAuthenticator logs in to CICO with a username and password and
// holds the resulting session id. The initial login happens at construction
// so the caller knows immediately whether the credentials work.
type PasswordAuthenticator struct {
	baseURL    string
	loginPath  string
	username   string
	password   string
	httpClient *http.Client
	logger     *slog.Logger

	mu        sync.RWMutex
	sessionID string
}

// NewPasswordAuthenticator creates a PasswordAuthenticator and performs the
// initial login.
func NewPasswordAuthenticator(ctx context.Context, cfg config.CICOConfig, logger *slog.Logger) (*PasswordAuthenticator, error) {
	p := &PasswordAuthenticator{
		baseURL:   strings.TrimRight(cfg.BaseURL, "/"),
		loginPath: cfg.LoginPath,
		username:  cfg.Auth.Password.Username,
		password:  cfg.Auth.Password.Password,
		logger:    logger.With("component", "cico-auth"),
		httpClient: &http.Client{
			Timeout: time.Duration(cfg.TimeoutSeconds) * time.Second,
			// Login success is a redirect to the dashboard; the session
			// cookie is set on the initial response, so don't follow it.
			CheckRedirect: func(req *http.Request, via []*http.Request) error {
				return http.ErrUseLastResponse
			},
		},
	}

	if err := p.login(ctx); err != nil {
		return nil, fmt.Errorf("initial CICO login: %w", err)
	}
	return p, nil
}

// SessionID returns the current session id. Safe for concurrent use while a
// re-login is in progress — callers see either the old or the new session,
// never a partial state.
func (p *PasswordAuthenticator) SessionID(_ context.Context) (string, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()

	if p.sessionID == "" {
		return "", &AuthError{Reason: "no session available"}
	}
	return p.sessionID, nil
}

// ForceRefresh performs a fresh login, replacing the stored session id.
func (p *PasswordAuthenticator) ForceRefresh(ctx context.Context) error {
	p.logger.Info("re-login triggered (likely expired session)")
	return p.login(ctx)
}

// Close is a no-op — there are no background goroutines to stop.
func (p *PasswordAuthenticator) Close() {}

// login POSTs the login form and stores the PHPSESSID cookie from the
// response. CICO replies 200 (or a redirect) with the cookie on success;
// a missing cookie means the credentials were rejected.
func (p *PasswordAuthenticator) login(ctx context.Context) error {
	loginURL := p.baseURL + p.loginPath

	form := url.Values{
		"username": {p.username},
		"password": {p.password},
		"do":       {"login"},
		"submit":   {"Sign in"},
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, loginURL, strings.NewReader(form.Encode()))
	if err != nil {
		return fmt.Errorf("creating login request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("sending login request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("reading login response body: %w", err)
	}

	if resp.StatusCode >= 400 {
		return &AuthError{Reason: fmt.Sprintf("login returned status %d: %s", resp.StatusCode, truncateBody(body))}
	}

	var sessionID string
	for _, cookie := range resp.Cookies() {
		if cookie.Name == sessionCookieName {
			sessionID = cookie.Value
		}
	}
	if sessionID == "" {
		return &AuthError{Reason: "login response did not set a session cookie"}
	}

	p.mu.Lock()
	p.sessionID = sessionID
	p.mu.Unlock()

	p.logger.Info("CICO session established", "user", p.username)
	return nil
}

// NewAuthenticator is a factory that creates the appropriate Authenticator
// based on the configured auth type. For password auth it performs the
// initial login and fails fast on bad credentials.
func NewAuthenticator(ctx context.Context, cfg config.CICOConfig, logger *slog.Logger) (Authenticator, error) {
	switch cfg.Auth.Type {
	case "session":
		return NewStaticAuthenticator(cfg.Auth.Session.SessionID), nil
	case "password":
		return NewPasswordAuthenticator(ctx, cfg, logger)
	default:
		return nil, fmt.Errorf("unsupported auth type: %q", cfg.Auth.Type)
	}
}
