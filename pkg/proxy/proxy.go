package proxy

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httputil"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/pinacle-sh/pinacle/pkg/config"
	"github.com/pinacle-sh/pinacle/pkg/models"
)

// PodDirectory is the proxy's read-only view of the control plane: resolve
// a slug to a pod, a pod to its host. Reads may lag pod rebuilds by the
// pool TTL; that staleness is tolerated.
type PodDirectory interface {
	GetPodBySlug(slug string) (*models.Pod, error)
	GetServer(id string) (*models.Server, error)
}

// Proxy terminates `localhost-<port>.pod-<slug>` hostnames, enforces
// capability tokens, and forwards to the pod's in-pod reverse proxy.
type Proxy struct {
	Log       *logrus.Entry
	Config    config.ProxyConfig
	Directory PodDirectory
	Tokens    *TokenIssuer
	Pool      *UpstreamPool

	// Fallback handles requests whose hostname is not a proxy hostname. When
	// the proxy is mounted inside a larger application the host router goes
	// here; the standalone binary leaves it nil and answers 404.
	Fallback http.Handler

	httpServer *http.Server
}

func New(log *logrus.Entry, cfg config.ProxyConfig, directory PodDirectory) *Proxy {
	p := &Proxy{
		Log:       log,
		Config:    cfg,
		Directory: directory,
		Tokens:    NewTokenIssuer(cfg.SigningKey),
		Pool:      NewUpstreamPool(log, cfg.CacheTTL),
	}
	p.Pool.Build = p.buildReverseProxy
	return p
}

// ListenAndServe runs the proxy until the context is cancelled.
func (p *Proxy) ListenAndServe(ctx context.Context) error {
	p.httpServer = &http.Server{
		Addr:    p.Config.ListenAddr,
		Handler: p,
	}

	errCh := make(chan error, 1)
	go func() { errCh <- p.httpServer.ListenAndServe() }()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return p.httpServer.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}

func (p *Proxy) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	target, ok := ParseHostname(r.Host, p.Config.BaseDomain)
	if !ok {
		if p.Fallback != nil {
			p.Fallback.ServeHTTP(w, r)
			return
		}
		http.NotFound(w, r)
		return
	}

	if r.URL.Path == CallbackPath {
		p.handleCallback(w, r, target)
		return
	}

	cookie, err := r.Cookie(CookieName)
	if err != nil {
		p.redirectToAuth(w, r, target)
		return
	}

	claims, err := p.Tokens.Verify(cookie.Value)
	if err != nil {
		// expired or garbage: restart the capability flow
		p.redirectToAuth(w, r, target)
		return
	}

	if claims.PodSlug != target.Slug || claims.TargetPort != target.Port {
		http.Error(w, "token is not valid for this hostname", http.StatusForbidden)
		return
	}

	entry, err := p.Pool.Get(claims.PodID, target.Port, func() (*url.URL, error) {
		return p.resolveUpstream(claims.PodID, target)
	})
	if err != nil {
		if errors.Is(err, models.ErrNotFound) {
			http.Error(w, "pod not found", http.StatusNotFound)
			return
		}
		p.Log.WithError(err).Warn("resolving upstream")
		http.Error(w, "bad gateway", http.StatusBadGateway)
		return
	}

	outCtx := r.Context()
	if p.Config.RequestTimeout > 0 && !isWebSocketRequest(r) {
		var cancel context.CancelFunc
		outCtx, cancel = context.WithTimeout(outCtx, p.Config.RequestTimeout)
		defer cancel()
	}
	out := r.Clone(outCtx)

	// the in-pod reverse proxy routes on this hostname
	out.Host = CanonicalHost(target, p.Config.BaseDomain)
	// upstream bodies must arrive uncompressed for HTML injection
	out.Header.Del("Accept-Encoding")

	entry.Proxy.ServeHTTP(w, out)
}

// resolveUpstream maps a pod to http://<host>:<externalNginxPort>.
func (p *Proxy) resolveUpstream(podID string, target Target) (*url.URL, error) {
	pod, err := p.Directory.GetPodBySlug(target.Slug)
	if err != nil {
		return nil, err
	}
	if pod.ID != podID {
		return nil, models.NotFound(fmt.Errorf("slug %s no longer belongs to pod %s", target.Slug, podID))
	}
	if pod.Status != models.PodRunning {
		return nil, models.NotFound(fmt.Errorf("pod %s is %s", pod.ID, pod.Status))
	}

	external := 0
	for _, m := range pod.Ports {
		if m.Name == models.NginxProxyPortName {
			external = m.External
		}
	}
	if external == 0 {
		return nil, models.Invariant(fmt.Errorf("pod %s has no %s port", pod.ID, models.NginxProxyPortName))
	}

	server, err := p.Directory.GetServer(pod.ServerID)
	if err != nil {
		return nil, err
	}

	addr := server.IPAddress
	if addr == "" {
		addr = server.SSHHost
	}
	if addr == "" || server.LocalVMName != "" {
		// local VMs publish ports on the loopback of this machine
		addr = "127.0.0.1"
	}

	return &url.URL{Scheme: "http", Host: addr + ":" + strconv.Itoa(external)}, nil
}

// buildReverseProxy is the pool's entry factory.
func (p *Proxy) buildReverseProxy(target *url.URL, transport *http.Transport) *httputil.ReverseProxy {
	rp := &httputil.ReverseProxy{
		Transport: transport,
		Director: func(req *http.Request) {
			req.URL.Scheme = target.Scheme
			req.URL.Host = target.Host
		},
		ModifyResponse: func(resp *http.Response) error {
			if !isHTML(resp) {
				return nil
			}
			return InjectIntoResponse(resp)
		},
		ErrorHandler: func(w http.ResponseWriter, r *http.Request, err error) {
			p.Log.WithError(err).WithField("upstream", target.String()).Warn("upstream error")
			w.WriteHeader(http.StatusBadGateway)
		},
	}
	return rp
}

// handleCallback finishes the capability flow: verify the token against the
// hostname, set the cookie, and bounce to the original destination.
func (p *Proxy) handleCallback(w http.ResponseWriter, r *http.Request, target Target) {
	raw := r.URL.Query().Get("token")
	if raw == "" {
		http.Error(w, "missing token", http.StatusBadRequest)
		return
	}

	claims, err := p.Tokens.Verify(raw)
	if err != nil {
		http.Error(w, "invalid token", http.StatusUnauthorized)
		return
	}

	if claims.PodSlug != target.Slug || claims.TargetPort != target.Port {
		http.Error(w, "token does not match this hostname", http.StatusForbidden)
		return
	}

	cookie := &http.Cookie{
		Name:     CookieName,
		Value:    raw,
		Path:     "/",
		HttpOnly: true,
		Expires:  claims.ExpiresAt.Time,
	}
	if r.URL.Query().Get("embed") == "true" {
		// inside an iframe the cookie must be partitioned to the embedding
		// top-level site
		cookie.SameSite = http.SameSiteNoneMode
		cookie.Secure = true
		cookie.Partitioned = true
	} else {
		cookie.SameSite = http.SameSiteLaxMode
		cookie.Secure = !p.Config.Dev
	}
	http.SetCookie(w, cookie)

	http.Redirect(w, r, safeReturnURL(r.URL.Query().Get("return_url")), http.StatusFound)
}

// redirectToAuth sends the browser to the control plane to authenticate and
// come back with a token.
func (p *Proxy) redirectToAuth(w http.ResponseWriter, r *http.Request, target Target) {
	if p.Config.AuthURL == "" {
		http.Error(w, "authentication required", http.StatusUnauthorized)
		return
	}

	q := url.Values{}
	q.Set("podSlug", target.Slug)
	q.Set("targetPort", strconv.Itoa(target.Port))
	q.Set("return_url", r.URL.RequestURI())

	http.Redirect(w, r, p.Config.AuthURL+"?"+q.Encode(), http.StatusFound)
}

// safeReturnURL keeps post-callback redirects on this origin.
func safeReturnURL(raw string) string {
	if raw == "" || !strings.HasPrefix(raw, "/") || strings.HasPrefix(raw, "//") {
		return "/"
	}
	return raw
}

func isWebSocketRequest(r *http.Request) bool {
	return strings.EqualFold(r.Header.Get("Upgrade"), "websocket") &&
		strings.Contains(strings.ToLower(r.Header.Get("Connection")), "upgrade")
}
