package proxy

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httputil"
	"net/url"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/patrickmn/go-cache"
	"github.com/rs/zerolog"

	"github.com/codehub-dev/codehub/pkg/agent"
	"github.com/codehub-dev/codehub/pkg/log"
	"github.com/codehub-dev/codehub/pkg/metrics"
)

// keepaliveInterval paces activity touches for upgraded connections.
// WebSocket frames never surface as requests, so an open IDE socket would
// otherwise look idle to the TTL loop.
const keepaliveInterval = 30 * time.Second

// UpstreamResolver looks up the container address a workspace's traffic
// should reach.
type UpstreamResolver interface {
	GetUpstream(ctx context.Context, workspaceID string) (*agent.Upstream, error)
}

// Toucher records workspace traffic for the activity pipeline.
type Toucher interface {
	Touch(workspaceID string)
}

// Forwarder proxies browser traffic to running workspace containers. It is
// stateless apart from a short-lived upstream cache, so any number of
// replicas can serve the same fleet.
type Forwarder struct {
	resolver  UpstreamResolver
	touch     Toucher
	upstreams *cache.Cache
	logger    zerolog.Logger
}

// New builds a forwarder. cacheTTL bounds how long a resolved upstream is
// reused before the agent is asked again.
func New(resolver UpstreamResolver, touch Toucher, cacheTTL time.Duration) *Forwarder {
	return &Forwarder{
		resolver:  resolver,
		touch:     touch,
		upstreams: cache.New(cacheTTL, 2*cacheTTL),
		logger:    log.WithComponent("proxy"),
	}
}

// Routes mounts the traffic forwarder. The route shape is /{workspaceID}/*;
// callers mount it under their workspace prefix.
func (f *Forwarder) Routes() chi.Router {
	r := chi.NewRouter()
	r.HandleFunc("/{workspaceID}", f.forward)
	r.HandleFunc("/{workspaceID}/*", f.forward)
	return r
}

func (f *Forwarder) forward(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "workspaceID")

	target, err := f.upstream(r.Context(), id)
	if err != nil {
		var apiErr *agent.APIError
		if errors.As(err, &apiErr) && apiErr.Status == http.StatusNotFound {
			metrics.ProxyRequestsTotal.WithLabelValues("not_found").Inc()
			http.Error(w, "workspace not found", http.StatusNotFound)
			return
		}
		metrics.ProxyRequestsTotal.WithLabelValues("unavailable").Inc()
		f.logger.Warn().Err(err).Str("workspace_id", id).Msg("upstream lookup failed")
		http.Error(w, "workspace unavailable", http.StatusServiceUnavailable)
		return
	}

	f.touch.Touch(id)
	if r.Header.Get("Upgrade") != "" {
		go f.keepTouching(r.Context(), id)
	}

	path := "/" + chi.URLParam(r, "*")

	rp := httputil.NewSingleHostReverseProxy(target)
	director := rp.Director
	rp.Director = func(req *http.Request) {
		director(req)
		req.URL.Path = path
		req.URL.RawPath = ""
		// Preserve the original host for backends that do virtual hosting.
		req.Host = r.Host
		req.Header.Set("X-Forwarded-For", r.RemoteAddr)
		req.Header.Set("X-Forwarded-Proto", forwardedProto(r))
		req.Header.Set("X-Forwarded-Host", r.Host)
	}

	var failed bool
	rp.ErrorHandler = func(w http.ResponseWriter, r *http.Request, err error) {
		failed = true
		// The cached address may point at a container that is gone; the
		// next request re-resolves.
		f.upstreams.Delete(id)
		f.logger.Error().Err(err).Str("workspace_id", id).Str("upstream", target.String()).Msg("proxy error")
		http.Error(w, "bad gateway", http.StatusBadGateway)
	}

	rp.ServeHTTP(w, r)

	outcome := "forwarded"
	if failed {
		outcome = "bad_gateway"
	}
	metrics.ProxyRequestsTotal.WithLabelValues(outcome).Inc()
}

// upstream resolves and caches where a workspace's traffic goes.
func (f *Forwarder) upstream(ctx context.Context, id string) (*url.URL, error) {
	if v, ok := f.upstreams.Get(id); ok {
		return v.(*url.URL), nil
	}

	up, err := f.resolver.GetUpstream(ctx, id)
	if err != nil {
		return nil, err
	}
	raw := up.URL
	if raw == "" {
		raw = fmt.Sprintf("http://%s:%d", up.Hostname, up.Port)
	}
	target, err := url.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("invalid upstream for %s: %w", id, err)
	}

	f.upstreams.Set(id, target, cache.DefaultExpiration)
	return target, nil
}

// keepTouching records activity on an interval until the connection closes.
func (f *Forwarder) keepTouching(ctx context.Context, id string) {
	ticker := time.NewTicker(keepaliveInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			f.touch.Touch(id)
		}
	}
}

func forwardedProto(r *http.Request) string {
	if r.TLS != nil {
		return "https"
	}
	return "http"
}
