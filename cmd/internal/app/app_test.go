package app

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"convsync/cmd/internal/remote"
)

func newTestApp(t *testing.T, mutate func(*Config)) (*App, *httptest.Server) {
	t.Helper()

	cfg := DefaultConfig()
	cfg.Seed = Seed{
		Users: []SeedUser{{ID: "u1", DisplayName: "Ann"}, {ID: "u2", DisplayName: "Bea"}},
		Conversations: []SeedConversation{
			{ID: "c1", Kind: "group", Members: []string{"u1", "u2"}},
			{ID: "c2", Kind: "direct", Members: []string{"u2", "u3"}},
		},
	}
	if mutate != nil {
		mutate(&cfg)
	}

	a, err := New(context.Background(), cfg, slog.New(slog.NewTextHandler(io.Discard, nil)))
	if err != nil {
		t.Fatalf("new app: %v", err)
	}
	srv := httptest.NewServer(a.Handler())
	t.Cleanup(func() {
		srv.Close()
		a.Close()
	})
	return a, srv
}

func httpGet(t *testing.T, url string) (int, string) {
	t.Helper()
	resp, err := http.Get(url)
	if err != nil {
		t.Fatalf("GET %s: %v", url, err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	return resp.StatusCode, string(body)
}

func TestApp_HealthAndReadiness(t *testing.T) {
	t.Parallel()

	_, srv := newTestApp(t, nil)

	if code, body := httpGet(t, srv.URL+"/healthz"); code != http.StatusOK || body != "ok\n" {
		t.Fatalf("healthz: %d %q", code, body)
	}
	if code, _ := httpGet(t, srv.URL+"/readyz"); code != http.StatusOK {
		t.Fatalf("readyz: %d", code)
	}

	_, strict := newTestApp(t, func(c *Config) { c.ReadinessRequireDB = true })
	if code, body := httpGet(t, strict.URL+"/readyz"); code != http.StatusServiceUnavailable || !strings.Contains(body, "db not configured") {
		t.Fatalf("readyz without db: %d %q", code, body)
	}
}

func TestApp_ServesSeededStoreOverWebsocket(t *testing.T) {
	t.Parallel()

	_, srv := newTestApp(t, nil)
	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws"

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	c, err := remote.DialWS(ctx, wsURL, remote.WSOptions{UserID: "u1", Origin: "http://localhost:3000"})
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer c.Close()

	conv, err := c.GetConversation(ctx, "c1")
	if err != nil || conv.MemberCount != 2 || conv.Kind != remote.KindGroup {
		t.Fatalf("seeded conversation: %+v err=%v", conv, err)
	}
	if _, err := c.GetConversation(ctx, "c2"); !errors.Is(err, remote.ErrNotFound) {
		t.Fatalf("non-member conversation: %v", err)
	}
	u, err := c.GetUser(ctx, "u2")
	if err != nil || u.DisplayName != "Bea" {
		t.Fatalf("seeded user: %+v err=%v", u, err)
	}

	// The default origin policy refuses foreign origins.
	if _, err := remote.DialWS(ctx, wsURL, remote.WSOptions{UserID: "u1", Origin: "http://evil.example"}); err == nil {
		t.Fatalf("foreign origin should be rejected")
	}
}

func TestApp_Metrics(t *testing.T) {
	t.Parallel()

	_, srv := newTestApp(t, nil)
	_, _ = httpGet(t, srv.URL+"/healthz")

	code, body := httpGet(t, srv.URL+"/metrics")
	if code != http.StatusOK {
		t.Fatalf("metrics: %d", code)
	}
	for _, want := range []string{
		`convsync_http_requests_total{class="2xx",route="/healthz"} 1`,
		"convsync_gateway_connections 0",
		"go_goroutines",
	} {
		if !strings.Contains(body, want) {
			t.Fatalf("metrics output missing %q", want)
		}
	}
}

func TestApplySeed_StopsOnError(t *testing.T) {
	t.Parallel()

	store := remote.NewMemoryStore()
	defer store.Close()

	err := applySeed(Seed{Conversations: []SeedConversation{{ID: "c1", Kind: "channel"}}}, store.PutConversation, store.PutUser)
	if !errors.Is(err, remote.ErrInvalidInput) {
		t.Fatalf("bad kind: got %v want ErrInvalidInput", err)
	}
}
