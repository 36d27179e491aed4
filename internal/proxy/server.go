package proxy

import (
	"bytes"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"

	"github.com/elazarl/goproxy"
	"github.com/sirupsen/logrus"

	"github.com/chakabnb/offline-proxy/internal/config"
	"github.com/chakabnb/offline-proxy/internal/worker"
)

// Server fronts pages with a forward proxy that answers requests for the
// site's origins through the offline cache worker. Requests for other
// origins pass through untouched.
type Server struct {
	config *config.Config
	proxy  *goproxy.ProxyHttpServer

	mu     sync.RWMutex
	worker *worker.Worker
}

// New creates a proxy server serving through the given worker.
func New(cfg *config.Config, w *worker.Worker) *Server {
	s := &Server{
		config: cfg,
		proxy:  goproxy.NewProxyHttpServer(),
		worker: w,
	}

	if cfg.Server.HTTPS.MITM {
		s.setupHTTPSProxyHandler()
	}
	s.proxy.OnRequest().DoFunc(s.handleRequest)

	return s
}

// GetProxy exposes the underlying goproxy handler (used by tests to mount
// the proxy on an httptest server).
func (s *Server) GetProxy() *goproxy.ProxyHttpServer {
	return s.proxy
}

// Worker returns the worker currently serving interceptions.
func (s *Server) Worker() *worker.Worker {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.worker
}

// Swap replaces the serving worker. Used when a new generation takes over
// after a version bump; the caller activates the new worker after the swap
// so no request is ever served from a generation mid-deletion.
func (s *Server) Swap(w *worker.Worker) {
	s.mu.Lock()
	s.worker = w
	s.mu.Unlock()
	logrus.Infof("Now serving generation %s", w.Generation())
}

// Start starts the proxy server
func (s *Server) Start() error {
	logrus.Infof("Starting offline proxy on port %d", s.config.Server.Port)
	logrus.Infof("Site origin: %s", s.config.Site.Origin)
	logrus.Infof("Cache generation: %s", s.config.Site.Version)
	logrus.Infof("Cache backend: %s (%s)", s.config.Cache.Backend, s.config.Cache.Path)

	if addr := s.config.Server.HTTPS.TransparentAddr; addr != "" {
		go s.StartTransparentHTTPS(addr)
	}

	return http.ListenAndServe(fmt.Sprintf(":%d", s.config.Server.Port), s.proxy)
}

func (s *Server) handleRequest(req *http.Request, ctx *goproxy.ProxyCtx) (*http.Request, *http.Response) {
	w := s.Worker()

	if !w.Handles(req.URL) {
		logrus.Debugf("Forwarding unhandled origin: %s", req.URL.Host)
		return req, nil
	}

	// Only GETs are cacheable; anything else goes straight upstream with
	// its body intact.
	if req.Method != http.MethodGet {
		logrus.Debugf("Forwarding %s %s", req.Method, req.URL)
		return req, nil
	}

	desc := worker.Request{
		Method:     req.Method,
		URL:        req.URL,
		Header:     req.Header,
		Navigation: isNavigation(req),
	}

	res, err := w.Fetch(req.Context(), desc)
	if err != nil {
		logrus.Errorf("Fetch failed for %s %s: %v", req.Method, req.URL, err)
		return req, errorResponse(req, err)
	}

	return req, toHTTPResponse(req, res)
}

// isNavigation classifies a full-page document load. Sec-Fetch-Mode is
// authoritative when the client sends it; otherwise a GET whose Accept
// header prefers HTML is treated as a navigation.
func isNavigation(req *http.Request) bool {
	if mode := req.Header.Get("Sec-Fetch-Mode"); mode != "" {
		return mode == "navigate"
	}
	return req.Method == http.MethodGet && strings.Contains(req.Header.Get("Accept"), "text/html")
}

func toHTTPResponse(req *http.Request, res *worker.Result) *http.Response {
	header := res.Header.Clone()
	if header == nil {
		header = http.Header{}
	}
	header.Set("X-Cache", cacheState(res.Source))

	return &http.Response{
		Request:       req,
		StatusCode:    res.Status,
		Status:        fmt.Sprintf("%d %s", res.Status, http.StatusText(res.Status)),
		Proto:         "HTTP/1.1",
		ProtoMajor:    1,
		ProtoMinor:    1,
		Header:        header,
		Body:          io.NopCloser(bytes.NewReader(res.Body)),
		ContentLength: int64(len(res.Body)),
	}
}

func cacheState(src worker.Source) string {
	switch src {
	case worker.SourceCache:
		return "HIT"
	case worker.SourceFallback:
		return "FALLBACK"
	default:
		return "MISS"
	}
}

func errorResponse(req *http.Request, err error) *http.Response {
	status := http.StatusBadGateway
	if worker.KindOf(err) == worker.KindStorageFailure {
		status = http.StatusInternalServerError
	}
	return goproxy.NewResponse(req, goproxy.ContentTypeText, status, err.Error())
}
