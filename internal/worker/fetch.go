package worker

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"net/url"

	"github.com/sirupsen/logrus"
)

// Request describes one intercepted resource request. Interception is
// body-less: requests that carry a body are never cacheable and bypass the
// cache at the proxy layer.
type Request struct {
	Method string
	URL    *url.URL
	Header http.Header
	// Navigation marks a full-page document load, as opposed to a
	// subresource (script, image, style).
	Navigation bool
}

// Source tells where a Result's bytes came from.
type Source string

const (
	SourceCache    Source = "cache"
	SourceNetwork  Source = "network"
	SourceFallback Source = "fallback"
)

// Result is the outcome of one interception.
type Result struct {
	Source Source
	Status int
	Header http.Header
	Body   []byte
}

// Fetch answers an intercepted request cache-first:
//
//   - a hit in the current generation is returned verbatim, with no network
//     access;
//   - on a miss, one live fetch is performed; 2xx responses from handled
//     origins are captured in the background (the capture never delays or
//     fails the caller's response);
//   - when the live fetch fails and the request is a navigation, the cached
//     fallback document is served instead;
//   - for any other failed fetch a NetworkUnavailable failure is returned.
func (w *Worker) Fetch(ctx context.Context, req Request) (*Result, error) {
	if req.Method == http.MethodGet {
		res, err := w.lookup(requestKey(req.URL))
		if err != nil {
			// A broken store read degrades to a network fetch.
			logrus.Errorf("Cache lookup failed for %s: %v", req.URL, err)
		} else if res != nil {
			logrus.Debugf("Cache hit for %s", req.URL)
			return res, nil
		}
	}

	res, err := w.liveFetch(ctx, req)
	if err == nil {
		return res, nil
	}

	if req.Navigation {
		if fb, lerr := w.lookup(w.fallbackKey()); lerr == nil && fb != nil {
			logrus.Infof("Network unreachable for navigation %s, serving offline fallback", req.URL)
			fb.Source = SourceFallback
			return fb, nil
		}
	}

	return nil, err
}

// lookup reads an entry from the current generation. Returns nil, nil on miss.
func (w *Worker) lookup(key string) (*Result, error) {
	data, err := w.store.Get(w.opts.Version, key)
	if err != nil {
		return nil, failf(KindStorageFailure, "reading %s: %v", key, err)
	}
	if data == nil {
		return nil, nil
	}

	resp, err := DecodeSnapshot(data)
	if err != nil {
		return nil, failf(KindStorageFailure, "decoding %s: %v", key, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, failf(KindStorageFailure, "reading body of %s: %v", key, err)
	}

	return &Result{
		Source: SourceCache,
		Status: resp.StatusCode,
		Header: resp.Header,
		Body:   body,
	}, nil
}

// Hop-by-hop headers are connection-scoped, and conditional or range headers
// could turn a cold-cache miss into a bodiless 304 or a partial 206; none of
// them may reach the origin.
var strippedHeaders = map[string]struct{}{
	"Connection":          {},
	"Proxy-Connection":    {},
	"Keep-Alive":          {},
	"Proxy-Authenticate":  {},
	"Proxy-Authorization": {},
	"Te":                  {},
	"Trailer":             {},
	"Transfer-Encoding":   {},
	"Upgrade":             {},
	"If-Match":            {},
	"If-None-Match":       {},
	"If-Modified-Since":   {},
	"If-Unmodified-Since": {},
	"If-Range":            {},
	"Range":               {},
}

func (w *Worker) liveFetch(ctx context.Context, req Request) (*Result, error) {
	httpReq, err := http.NewRequestWithContext(ctx, req.Method, req.URL.String(), nil)
	if err != nil {
		return nil, failf(KindNetworkUnavailable, "building request for %s: %v", req.URL, err)
	}
	for key, values := range req.Header {
		if _, strip := strippedHeaders[http.CanonicalHeaderKey(key)]; strip {
			continue
		}
		for _, value := range values {
			httpReq.Header.Add(key, value)
		}
	}

	resp, err := w.client.Do(httpReq)
	if err != nil {
		return nil, failf(KindNetworkUnavailable, "fetching %s: %v", req.URL, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, failf(KindNetworkUnavailable, "reading %s: %v", req.URL, err)
	}

	if w.cacheable(req, resp) {
		w.capture(req.URL, resp, body)
	}

	return &Result{
		Source: SourceNetwork,
		Status: resp.StatusCode,
		Header: resp.Header.Clone(),
		Body:   body,
	}, nil
}

// cacheable restricts captures to successful GET responses from handled
// origins.
func (w *Worker) cacheable(req Request, resp *http.Response) bool {
	if req.Method != http.MethodGet {
		return false
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return false
	}
	return w.Handles(req.URL)
}

// capture stores a copy of the response in the background. Storage failures
// are logged and never surfaced: the caller already has its response.
func (w *Worker) capture(u *url.URL, resp *http.Response, body []byte) {
	clone := &http.Response{
		Status:        resp.Status,
		StatusCode:    resp.StatusCode,
		Proto:         resp.Proto,
		ProtoMajor:    resp.ProtoMajor,
		ProtoMinor:    resp.ProtoMinor,
		Header:        resp.Header.Clone(),
		Body:          io.NopCloser(bytes.NewReader(body)),
		ContentLength: int64(len(body)),
	}
	key := requestKey(u)

	w.captures.Add(1)
	go func() {
		defer w.captures.Done()

		data, err := EncodeSnapshot(clone)
		if err != nil {
			logrus.Errorf("Failed to capture %s: %v", u, err)
			return
		}
		if err := w.store.Put(w.opts.Version, key, data); err != nil {
			logrus.Errorf("Failed to cache %s: %v", u, err)
			return
		}
		logrus.Debugf("Cached %s", u)
	}()
}

func (w *Worker) fallbackKey() string {
	u, err := w.resolveEntry(w.opts.Fallback)
	if err != nil {
		return ""
	}
	return requestKey(u)
}
