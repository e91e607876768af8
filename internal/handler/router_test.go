package handler

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/cookiejar"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/hitoshi/chatgate/internal/hub"
	"github.com/hitoshi/chatgate/internal/middleware"
	"github.com/hitoshi/chatgate/internal/model"
)

type stubVerifier struct {
	identities map[string]*model.Identity
}

func (s *stubVerifier) Verify(tokenString string) (*model.Identity, error) {
	if identity, ok := s.identities[tokenString]; ok {
		return identity, nil
	}
	return nil, model.NewUnauthorizedError()
}

type nopHTTPMetrics struct{}

func (nopHTTPMetrics) RecordHTTPStatus(statusCode int) {}

func newTestRouter(t *testing.T, service AuthServiceInterface) http.Handler {
	t.Helper()

	verifier := &stubVerifier{
		identities: map[string]*model.Identity{
			"issued-token": {UserID: "user-1", Email: "alice@x.com"},
		},
	}

	rl := middleware.NewRateLimiter(middleware.NewRateLimiterConfig(1000))
	t.Cleanup(rl.Stop)

	h := hub.New(verifier, nil, hub.Config{})
	go h.Run()
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		h.Shutdown(ctx)
	})

	return NewRouter(&RouterDeps{
		TokenVerifier:     verifier,
		CORSAllowedOrigin: "http://localhost:3000",
		RateLimiter:       rl,
		Metrics:           nopHTTPMetrics{},
		AuthService:       service,
		AuthConfig:        testConfig(),
		Hub:               h,
		Gatherer:          prometheus.NewRegistry(),
	})
}

// サインアップからログアウトまでのセッションライフサイクルを、
// Cookieを自動管理するクライアントで通しで確認する。
func TestRouter_SessionLifecycle(t *testing.T) {
	service := &mockAuthService{
		signupFunc: func(email, password string) (*model.User, string, error) {
			return &model.User{ID: "user-1", Email: email, CreatedAt: time.Now()}, "issued-token", nil
		},
		getUserFunc: func(userID string) (*model.User, error) {
			return &model.User{ID: userID, Email: "alice@x.com"}, nil
		},
	}

	srv := httptest.NewServer(newTestRouter(t, service))
	defer srv.Close()

	jar, err := cookiejar.New(nil)
	if err != nil {
		t.Fatal(err)
	}
	client := &http.Client{Jar: jar}

	// 1. サインアップでセッションCookieが発行される
	resp, err := client.Post(srv.URL+"/api/auth/signup", "application/json",
		strings.NewReader(`{"email":"alice@x.com","password":"secret"}`))
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("signup status = %d, want 201", resp.StatusCode)
	}

	// 2. Cookieだけで /me にアクセスできる
	resp, err = client.Get(srv.URL + "/api/auth/me")
	if err != nil {
		t.Fatal(err)
	}
	var me struct {
		User struct {
			Email string `json:"email"`
		} `json:"user"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&me); err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("me status = %d, want 200", resp.StatusCode)
	}
	if me.User.Email != "alice@x.com" {
		t.Errorf("me email = %q", me.User.Email)
	}

	// 3. ログアウトでCookieが失効する
	resp, err = client.Post(srv.URL+"/api/auth/logout", "application/json", nil)
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("logout status = %d, want 200", resp.StatusCode)
	}

	// 4. Cookie失効後の /me は401になる
	resp, err = client.Get(srv.URL + "/api/auth/me")
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("me after logout status = %d, want 401", resp.StatusCode)
	}
}

func TestRouter_MeAcceptsBearerToken(t *testing.T) {
	service := &mockAuthService{
		getUserFunc: func(userID string) (*model.User, error) {
			return &model.User{ID: userID, Email: "alice@x.com"}, nil
		},
	}

	srv := httptest.NewServer(newTestRouter(t, service))
	defer srv.Close()

	req, err := http.NewRequest(http.MethodGet, srv.URL+"/api/auth/me", nil)
	if err != nil {
		t.Fatal(err)
	}
	req.Header.Set("Authorization", "Bearer issued-token")

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
}

func TestRouter_MeWithoutToken(t *testing.T) {
	srv := httptest.NewServer(newTestRouter(t, &mockAuthService{}))
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/api/auth/me")
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", resp.StatusCode)
	}
}

func TestRouter_SecurityHeaders(t *testing.T) {
	srv := httptest.NewServer(newTestRouter(t, &mockAuthService{}))
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/api/auth/me")
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()

	if got := resp.Header.Get("X-Content-Type-Options"); got != "nosniff" {
		t.Errorf("X-Content-Type-Options = %q", got)
	}
	if got := resp.Header.Get("X-Frame-Options"); got != "DENY" {
		t.Errorf("X-Frame-Options = %q", got)
	}
}

func TestRouter_MetricsEndpoint(t *testing.T) {
	srv := httptest.NewServer(newTestRouter(t, &mockAuthService{}))
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/metrics")
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
}
