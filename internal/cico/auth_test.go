package cico

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/rsmoorthy/cicogrid/internal/config"
)

func authCfg(baseURL string) config.CICOConfig {
	return config.CICOConfig{
		BaseURL:        baseURL,
		LoginPath:      "/login.php",
		TimeoutSeconds: 10,
		Auth: config.AuthConfig{
			Type: "password",
			Password: config.PasswordConfig{
				Username: "apiuser",
				Password: "secret",
			},
		},
	}
}

func TestPasswordAuthenticator_Login(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/login.php" {
			t.Errorf("login path = %s", r.URL.Path)
		}
		if err := r.ParseForm(); err != nil {
			t.Fatalf("parsing login form: %v", err)
		}
		if r.PostForm.Get("username") != "apiuser" || r.PostForm.Get("password") != "secret" {
			t.Errorf("credentials not in form: %v", r.PostForm)
		}
		if r.PostForm.Get("do") != "login" {
			t.Errorf("missing do=login: %v", r.PostForm)
		}

		http.SetCookie(w, &http.Cookie{Name: "PHPSESSID", Value: "abc123"})
		// The application redirects to the dashboard on success.
		w.Header().Set("Location", "/index.php")
		w.WriteHeader(http.StatusFound)
	}))
	defer srv.Close()

	auth, err := NewPasswordAuthenticator(context.Background(), authCfg(srv.URL), testLogger())
	if err != nil {
		t.Fatalf("NewPasswordAuthenticator failed: %v", err)
	}
	defer auth.Close()

	sessionID, err := auth.SessionID(context.Background())
	if err != nil {
		t.Fatalf("SessionID failed: %v", err)
	}
	if sessionID != "abc123" {
		t.Errorf("session id = %q, want abc123", sessionID)
	}
}

func TestPasswordAuthenticator_MissingCookie(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// Failed logins return the login page again without a cookie.
		w.Write([]byte("<html>Invalid credentials</html>"))
	}))
	defer srv.Close()

	_, err := NewPasswordAuthenticator(context.Background(), authCfg(srv.URL), testLogger())
	if err == nil {
		t.Fatal("expected error when login sets no session cookie")
	}
}

func TestPasswordAuthenticator_ForceRefresh(t *testing.T) {
	var logins int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := atomic.AddInt32(&logins, 1)
		value := "session-1"
		if n > 1 {
			value = "session-2"
		}
		http.SetCookie(w, &http.Cookie{Name: "PHPSESSID", Value: value})
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	auth, err := NewPasswordAuthenticator(context.Background(), authCfg(srv.URL), testLogger())
	if err != nil {
		t.Fatal(err)
	}
	defer auth.Close()

	if err := auth.ForceRefresh(context.Background()); err != nil {
		t.Fatalf("ForceRefresh failed: %v", err)
	}

	sessionID, _ := auth.SessionID(context.Background())
	if sessionID != "session-2" {
		t.Errorf("session id after refresh = %q, want session-2", sessionID)
	}
	if atomic.LoadInt32(&logins) != 2 {
		t.Errorf("login count = %d, want 2", logins)
	}
}

func TestPasswordAuthenticator_ConcurrentAccess(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.SetCookie(w, &http.Cookie{Name: "PHPSESSID", Value: "shared"})
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	auth, err := NewPasswordAuthenticator(context.Background(), authCfg(srv.URL), testLogger())
	if err != nil {
		t.Fatal(err)
	}
	defer auth.Close()

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				if _, err := auth.SessionID(context.Background()); err != nil {
					t.Errorf("SessionID failed: %v", err)
					return
				}
			}
		}()
	}
	for i := 0; i < 3; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := auth.ForceRefresh(context.Background()); err != nil {
				t.Errorf("ForceRefresh failed: %v", err)
			}
		}()
	}
	wg.Wait()
}

func TestStaticAuthenticator(t *testing.T) {
	auth := NewStaticAuthenticator("fixed-session")

	sessionID, err := auth.SessionID(context.Background())
	if err != nil {
		t.Fatalf("SessionID failed: %v", err)
	}
	if sessionID != "fixed-session" {
		t.Errorf("session id = %q", sessionID)
	}

	// ForceRefresh is a no-op and must not invalidate the session.
	if err := auth.ForceRefresh(context.Background()); err != nil {
		t.Fatalf("ForceRefresh failed: %v", err)
	}
	if got, _ := auth.SessionID(context.Background()); got != "fixed-session" {
		t.Errorf("session id after refresh = %q", got)
	}
}

func TestStaticAuthenticator_Empty(t *testing.T) {
	auth := NewStaticAuthenticator("")
	if _, err := auth.SessionID(context.Background()); err == nil {
		t.Fatal("expected error for empty session id")
	}
}

func TestNewAuthenticator_Factory(t *testing.T) {
	cfg := config.CICOConfig{
		Auth: config.AuthConfig{
			Type:    "session",
			Session: config.SessionConfig{SessionID: "s1"},
		},
	}
	auth, err := NewAuthenticator(context.Background(), cfg, testLogger())
	if err != nil {
		t.Fatalf("NewAuthenticator failed: %v", err)
	}
	if _, ok := auth.(*StaticAuthenticator); !ok {
		t.Errorf("expected StaticAuthenticator, got %T", auth)
	}

	cfg.Auth.Type = "kerberos"
	if _, err := NewAuthenticator(context.Background(), cfg, testLogger()); err == nil {
		t.Fatal("expected error for unsupported auth type")
	}
}
