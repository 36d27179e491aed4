// Package worker implements the offline resource cache lifecycle: a fixed
// manifest of site resources is precached into a versioned generation,
// intercepted requests are answered cache-first, and superseded generations
// are pruned on activation.
package worker

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"net/http"
	"net/url"
	"strings"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/chakabnb/offline-proxy/internal/store"
)

// State is the lifecycle state of a Worker.
type State string

const (
	StateUninitialized State = "uninitialized"
	StateInstalling    State = "installing"
	StateInstalled     State = "installed"
	StateActivating    State = "activating"
	StateActive        State = "active"
)

// Reserved entry key holding the manifest digest of a complete generation.
// Entry keys are absolute URLs, so a key without "://" can never collide.
const completeKey = "meta:manifest-digest"

// Options is the injected configuration of a Worker.
type Options struct {
	// Version tags the cache generation this worker installs and serves from.
	Version string
	// Origin is the site origin relative manifest entries resolve against.
	Origin *url.URL
	// Fallback is the path of the document served to navigations when the
	// network is unreachable. Must be a manifest member.
	Fallback string
	// Manifest lists the resources precached at install time, as paths
	// relative to Origin or absolute URLs.
	Manifest []string
}

// Worker is a process-scoped offline resource cache with an explicit
// install/activate/fetch lifecycle.
type Worker struct {
	opts   Options
	store  store.Store
	client *http.Client

	// hosts whose responses may be captured: the site origin plus every
	// origin named by an absolute manifest entry
	handled map[string]struct{}

	mu    sync.Mutex
	state State

	captures sync.WaitGroup
}

// New creates a Worker. The store is owned by the caller and shared across
// workers of successive generations.
func New(opts Options, st store.Store, client *http.Client) *Worker {
	handled := map[string]struct{}{
		canonicalHost(opts.Origin): {},
	}
	for _, entry := range opts.Manifest {
		if u, err := url.Parse(entry); err == nil && u.IsAbs() {
			handled[canonicalHost(u)] = struct{}{}
		}
	}

	return &Worker{
		opts:    opts,
		store:   st,
		client:  client,
		handled: handled,
		state:   StateUninitialized,
	}
}

// State returns the current lifecycle state.
func (w *Worker) State() State {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.state
}

// Generation returns the version tag this worker serves from.
func (w *Worker) Generation() string {
	return w.opts.Version
}

// Handles reports whether requests for u fall under this worker's origin set.
func (w *Worker) Handles(u *url.URL) bool {
	_, ok := w.handled[canonicalHost(u)]
	return ok
}

func (w *Worker) setState(s State) {
	w.mu.Lock()
	w.state = s
	w.mu.Unlock()
}

// Install precaches every manifest resource into the configured generation.
// The first failure aborts the whole install and drops the partial
// generation, so an incomplete generation is never marked complete. A
// generation whose stored digest already matches the manifest is reused
// without refetching, which makes Install idempotent.
func (w *Worker) Install(ctx context.Context) error {
	w.setState(StateInstalling)

	digest := w.manifestDigest()
	if stored, err := w.store.Get(w.opts.Version, completeKey); err == nil && string(stored) == digest {
		logrus.Infof("Generation %s already complete, skipping precache", w.opts.Version)
		w.setState(StateInstalled)
		return nil
	}

	for _, entry := range w.opts.Manifest {
		u, err := w.resolveEntry(entry)
		if err != nil {
			w.abortInstall()
			return failf(KindResourceUnavailable, "manifest entry %q: %v", entry, err)
		}
		if err := w.precache(ctx, u); err != nil {
			w.abortInstall()
			return err
		}
	}

	// Written last: its presence marks the generation complete.
	if err := w.store.Put(w.opts.Version, completeKey, []byte(digest)); err != nil {
		w.abortInstall()
		return failf(KindStorageFailure, "marking generation %s complete: %v", w.opts.Version, err)
	}

	w.setState(StateInstalled)
	logrus.Infof("Installed generation %s (%d resources)", w.opts.Version, len(w.opts.Manifest))
	return nil
}

func (w *Worker) abortInstall() {
	if err := w.store.DropGeneration(w.opts.Version); err != nil {
		logrus.Errorf("Failed to drop partial generation %s: %v", w.opts.Version, err)
	}
	w.setState(StateUninitialized)
}

func (w *Worker) precache(ctx context.Context, u *url.URL) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return failf(KindResourceUnavailable, "building request for %s: %v", u, err)
	}

	resp, err := w.client.Do(req)
	if err != nil {
		return failf(KindResourceUnavailable, "fetching %s: %v", u, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return failf(KindResourceUnavailable, "fetching %s: status %d", u, resp.StatusCode)
	}

	data, err := EncodeSnapshot(resp)
	if err != nil {
		return failf(KindResourceUnavailable, "capturing %s: %v", u, err)
	}
	if err := w.store.Put(w.opts.Version, requestKey(u), data); err != nil {
		return failf(KindStorageFailure, "storing %s: %v", u, err)
	}

	logrus.Debugf("Precached %s", u)
	return nil
}

// Activate deletes every stored generation whose tag differs from this
// worker's version, leaving exactly one generation queryable. The deletion
// pass runs to completion before Activate returns.
func (w *Worker) Activate() error {
	w.setState(StateActivating)

	gens, err := w.store.Generations()
	if err != nil {
		w.setState(StateInstalled)
		return failf(KindStorageFailure, "enumerating generations: %v", err)
	}

	for _, gen := range gens {
		if gen == w.opts.Version {
			continue
		}
		if err := w.store.DropGeneration(gen); err != nil {
			w.setState(StateInstalled)
			return failf(KindStorageFailure, "dropping generation %s: %v", gen, err)
		}
		logrus.Infof("Dropped superseded generation %s", gen)
	}

	w.setState(StateActive)
	return nil
}

// Close waits for in-flight background captures to finish. It does not close
// the store.
func (w *Worker) Close() {
	w.captures.Wait()
}

// IsComplete reports whether a stored generation carries the completeness
// marker written at the end of a successful install.
func IsComplete(st store.Store, generation string) (bool, error) {
	data, err := st.Get(generation, completeKey)
	if err != nil {
		return false, err
	}
	return data != nil, nil
}

// LatestComplete returns the newest complete stored generation, or "" when
// none exists. Tags sort lexicographically, which matches how site versions
// are bumped.
func LatestComplete(st store.Store) (string, error) {
	gens, err := st.Generations()
	if err != nil {
		return "", err
	}
	for i := len(gens) - 1; i >= 0; i-- {
		ok, err := IsComplete(st, gens[i])
		if err != nil {
			return "", err
		}
		if ok {
			return gens[i], nil
		}
	}
	return "", nil
}

func (w *Worker) resolveEntry(entry string) (*url.URL, error) {
	u, err := url.Parse(entry)
	if err != nil {
		return nil, err
	}
	if u.IsAbs() {
		return u, nil
	}
	return w.opts.Origin.ResolveReference(u), nil
}

// manifestDigest hashes the version tag and the resolved manifest so a
// manifest edit is detected even without a version bump.
func (w *Worker) manifestDigest() string {
	h := sha256.New()
	h.Write([]byte(w.opts.Version))
	for _, entry := range w.opts.Manifest {
		h.Write([]byte("\n"))
		if u, err := w.resolveEntry(entry); err == nil {
			h.Write([]byte(u.String()))
		} else {
			h.Write([]byte(entry))
		}
	}
	return hex.EncodeToString(h.Sum(nil))
}

// requestKey is the exact identity an entry is stored under.
func requestKey(u *url.URL) string {
	path := u.EscapedPath()
	if path == "" {
		path = "/"
	}
	key := u.Scheme + "://" + canonicalHost(u) + path
	if u.RawQuery != "" {
		key += "?" + u.RawQuery
	}
	return key
}

// canonicalHost strips default ports so http://host:80 and http://host key
// identically.
func canonicalHost(u *url.URL) string {
	host := u.Host
	switch u.Scheme {
	case "http":
		host = strings.TrimSuffix(host, ":80")
	case "https":
		host = strings.TrimSuffix(host, ":443")
	}
	return host
}
