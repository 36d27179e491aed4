package proxy

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/chakabnb/offline-proxy/internal/config"
	"github.com/chakabnb/offline-proxy/internal/store"
	"github.com/chakabnb/offline-proxy/internal/worker"
)

// fixtureUpstream creates a test origin server
func fixtureUpstream(t *testing.T) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/index.html":
			w.Header().Set("Content-Type", "text/html")
			_, _ = w.Write([]byte("<html>chakabnb home</html>"))
		case "/echo":
			body, _ := io.ReadAll(r.Body)
			_, _ = w.Write(body)
		default:
			w.Header().Set("Content-Type", "application/json")
			_, _ = w.Write([]byte(`{"path": "` + r.URL.Path + `"}`))
		}
	}))
	t.Cleanup(srv.Close)
	return srv
}

// fixtureConfig creates a test config pointed at the upstream origin
func fixtureConfig(t *testing.T, origin string) *config.Config {
	t.Helper()
	return &config.Config{
		Server: config.ServerConfig{Port: 8080},
		Cache: config.CacheConfig{
			Backend: "sqlite",
			Path:    filepath.Join(t.TempDir(), "cache.db"),
		},
		Site: config.SiteConfig{
			Origin:   origin,
			Version:  "chakabnb-v1",
			Fallback: "/index.html",
			Manifest: []string{"/index.html"},
		},
		Fetch: config.FetchConfig{Timeout: "5s"},
	}
}

// fixtureProxy installs and activates a worker for cfg and returns the proxy
// mounted on an httptest server plus a client routed through it.
func fixtureProxy(t *testing.T, cfg *config.Config) (*Server, *http.Client) {
	t.Helper()

	st, err := store.Open(cfg.Cache.Backend, cfg.Cache.Path)
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	origin, err := cfg.Origin()
	require.NoError(t, err)
	timeout, err := cfg.FetchTimeout()
	require.NoError(t, err)

	w := worker.New(worker.Options{
		Version:  cfg.Site.Version,
		Origin:   origin,
		Fallback: cfg.Site.Fallback,
		Manifest: cfg.Site.Manifest,
	}, st, &http.Client{Timeout: timeout})
	t.Cleanup(w.Close)

	require.NoError(t, w.Install(context.Background()))
	require.NoError(t, w.Activate())

	srv := New(cfg, w)

	proxyTestServer := httptest.NewServer(srv.GetProxy())
	t.Cleanup(proxyTestServer.Close)

	proxyURL, err := url.Parse(proxyTestServer.URL)
	require.NoError(t, err)
	client := &http.Client{
		Transport: &http.Transport{Proxy: http.ProxyURL(proxyURL)},
		Timeout:   10 * time.Second,
	}

	return srv, client
}

func get(t *testing.T, client *http.Client, rawURL string, navigation bool) *http.Response {
	t.Helper()
	req, err := http.NewRequest(http.MethodGet, rawURL, nil)
	require.NoError(t, err)
	if navigation {
		req.Header.Set("Accept", "text/html,application/xhtml+xml")
	}
	resp, err := client.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { _ = resp.Body.Close() })
	return resp
}

func TestPrecachedResourceServedFromCache(t *testing.T) {
	upstream := fixtureUpstream(t)
	cfg := fixtureConfig(t, upstream.URL)
	_, client := fixtureProxy(t, cfg)

	resp := get(t, client, upstream.URL+"/index.html", true)

	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, "HIT", resp.Header.Get("X-Cache"))

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	require.Equal(t, "<html>chakabnb home</html>", string(body))
}

func TestMissThenHit(t *testing.T) {
	upstream := fixtureUpstream(t)
	cfg := fixtureConfig(t, upstream.URL)
	_, client := fixtureProxy(t, cfg)

	resp := get(t, client, upstream.URL+"/api/listings", false)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, "MISS", resp.Header.Get("X-Cache"))

	// The capture is asynchronous; the hit shows up shortly after.
	require.Eventually(t, func() bool {
		resp := get(t, client, upstream.URL+"/api/listings", false)
		return resp.Header.Get("X-Cache") == "HIT"
	}, 2*time.Second, 20*time.Millisecond)
}

func TestNavigationFallbackWhenUpstreamDown(t *testing.T) {
	upstream := fixtureUpstream(t)
	cfg := fixtureConfig(t, upstream.URL)
	_, client := fixtureProxy(t, cfg)

	base := upstream.URL
	upstream.Close()

	resp := get(t, client, base+"/pages/search.html", true)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, "FALLBACK", resp.Header.Get("X-Cache"))

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	require.Equal(t, "<html>chakabnb home</html>", string(body))
}

func TestSubresourceFailureWhenUpstreamDown(t *testing.T) {
	upstream := fixtureUpstream(t)
	cfg := fixtureConfig(t, upstream.URL)
	_, client := fixtureProxy(t, cfg)

	base := upstream.URL
	upstream.Close()

	resp := get(t, client, base+"/js/app.js", false)
	require.Equal(t, http.StatusBadGateway, resp.StatusCode)
}

func TestPostBodyForwardedToUpstream(t *testing.T) {
	upstream := fixtureUpstream(t)
	cfg := fixtureConfig(t, upstream.URL)
	_, client := fixtureProxy(t, cfg)

	resp, err := client.Post(upstream.URL+"/echo", "text/plain", strings.NewReader("hello-body"))
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()

	require.Equal(t, http.StatusOK, resp.StatusCode)

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	require.Equal(t, "hello-body", string(body))

	// Writes are never intercepted, so no cache state is reported.
	require.Empty(t, resp.Header.Get("X-Cache"))
}

func TestUnhandledOriginForwardedUntouched(t *testing.T) {
	upstream := fixtureUpstream(t)
	other := fixtureUpstream(t)
	cfg := fixtureConfig(t, upstream.URL)
	_, client := fixtureProxy(t, cfg)

	resp := get(t, client, other.URL+"/api/listings", false)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Empty(t, resp.Header.Get("X-Cache"))
}

func TestSwapServesNewGeneration(t *testing.T) {
	upstream := fixtureUpstream(t)
	cfg := fixtureConfig(t, upstream.URL)
	srv, client := fixtureProxy(t, cfg)

	st, err := store.Open("sqlite", cfg.Cache.Path)
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	origin, err := cfg.Origin()
	require.NoError(t, err)
	w2 := worker.New(worker.Options{
		Version:  "chakabnb-v2",
		Origin:   origin,
		Fallback: "/index.html",
		Manifest: []string{"/index.html", "/api/listings"},
	}, st, &http.Client{Timeout: 5 * time.Second})
	t.Cleanup(w2.Close)

	require.NoError(t, w2.Install(context.Background()))
	srv.Swap(w2)
	require.NoError(t, w2.Activate())

	require.Equal(t, "chakabnb-v2", srv.Worker().Generation())

	resp := get(t, client, upstream.URL+"/api/listings", false)
	require.Equal(t, "HIT", resp.Header.Get("X-Cache"))

	gens, err := st.Generations()
	require.NoError(t, err)
	require.Equal(t, []string{"chakabnb-v2"}, gens)
}

func TestIsNavigation(t *testing.T) {
	tests := []struct {
		name   string
		method string
		header map[string]string
		want   bool
	}{
		{
			name:   "sec-fetch-mode navigate",
			method: http.MethodGet,
			header: map[string]string{"Sec-Fetch-Mode": "navigate"},
			want:   true,
		},
		{
			name:   "sec-fetch-mode no-cors wins over accept",
			method: http.MethodGet,
			header: map[string]string{"Sec-Fetch-Mode": "no-cors", "Accept": "text/html"},
			want:   false,
		},
		{
			name:   "accept prefers html",
			method: http.MethodGet,
			header: map[string]string{"Accept": "text/html,application/xhtml+xml"},
			want:   true,
		},
		{
			name:   "script accept",
			method: http.MethodGet,
			header: map[string]string{"Accept": "*/*"},
			want:   false,
		},
		{
			name:   "post is never a navigation",
			method: http.MethodPost,
			header: map[string]string{"Accept": "text/html"},
			want:   false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req, err := http.NewRequest(tt.method, "https://chakabnb.com/", nil)
			require.NoError(t, err)
			for k, v := range tt.header {
				req.Header.Set(k, v)
			}
			require.Equal(t, tt.want, isNavigation(req))
		})
	}
}
