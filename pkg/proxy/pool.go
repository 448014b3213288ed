package proxy

import (
	"fmt"
	"net/http"
	"net/http/httputil"
	"net/url"
	"time"

	gocache "github.com/patrickmn/go-cache"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/singleflight"
)

// upstream is one cached reverse-proxy instance bound to a pod's current
// external port.
type upstream struct {
	Proxy     *httputil.ReverseProxy
	URL       *url.URL
	CreatedAt time.Time

	transport *http.Transport
}

// UpstreamPool maps (podId, targetPort) to a prebuilt reverse proxy. Entries
// expire after a short TTL: external ports can change after a rebuild, and
// the TTL bounds staleness without a shootdown channel. Creation is
// single-flight per key, so concurrent cache misses coalesce.
type UpstreamPool struct {
	Log *logrus.Entry
	TTL time.Duration

	cache *gocache.Cache
	group singleflight.Group

	// Build constructs the reverse proxy for a resolved upstream URL.
	Build func(target *url.URL, transport *http.Transport) *httputil.ReverseProxy
}

func NewUpstreamPool(log *logrus.Entry, ttl time.Duration) *UpstreamPool {
	c := gocache.New(ttl, ttl)
	c.OnEvicted(func(key string, v interface{}) {
		// drain the expired entry's idle connections
		if u, ok := v.(*upstream); ok && u.transport != nil {
			u.transport.CloseIdleConnections()
		}
	})
	return &UpstreamPool{Log: log, TTL: ttl, cache: c}
}

func poolKey(podID string, targetPort int) string {
	return fmt.Sprintf("%s:%d", podID, targetPort)
}

// Get returns the cached reverse proxy for the key, building it at most
// once per TTL window no matter how many requests miss concurrently.
func (p *UpstreamPool) Get(podID string, targetPort int, resolve func() (*url.URL, error)) (*upstream, error) {
	key := poolKey(podID, targetPort)
	if v, ok := p.cache.Get(key); ok {
		return v.(*upstream), nil
	}

	v, err, _ := p.group.Do(key, func() (interface{}, error) {
		if v, ok := p.cache.Get(key); ok {
			return v, nil
		}

		target, err := resolve()
		if err != nil {
			return nil, err
		}

		transport := &http.Transport{
			MaxIdleConns:        32,
			MaxIdleConnsPerHost: 32,
			IdleConnTimeout:     p.TTL,
		}
		entry := &upstream{
			URL:       target,
			CreatedAt: time.Now(),
			transport: transport,
		}
		entry.Proxy = p.Build(target, transport)

		p.cache.Set(key, entry, p.TTL)
		p.Log.WithField("upstream", target.String()).Debug("created upstream proxy")
		return entry, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*upstream), nil
}

// Invalidate drops one entry, e.g. after a failed forward.
func (p *UpstreamPool) Invalidate(podID string, targetPort int) {
	p.cache.Delete(poolKey(podID, targetPort))
}
