package proxy

import (
	"fmt"
	"net"
	"strconv"
	"strings"

	"github.com/pinacle-sh/pinacle/pkg/models"
)

// Target is a parsed proxy hostname: which pod, which in-pod port.
type Target struct {
	Port int
	Slug string
}

// ParseHostname extracts the proxy target from a request host of the form
// localhost-<port>.pod-<slug>.<base-domain>[:<listen-port>]. Any other shape
// returns false and the request passes through to the application router.
func ParseHostname(hostHeader, baseDomain string) (Target, bool) {
	hostname := hostHeader
	if h, _, err := net.SplitHostPort(hostHeader); err == nil {
		hostname = h
	}
	hostname = strings.ToLower(hostname)

	suffix := "." + strings.ToLower(baseDomain)
	if !strings.HasSuffix(hostname, suffix) {
		return Target{}, false
	}
	prefix := strings.TrimSuffix(hostname, suffix)

	labels := strings.Split(prefix, ".")
	if len(labels) != 2 {
		return Target{}, false
	}

	portLabel, podLabel := labels[0], labels[1]
	if !strings.HasPrefix(portLabel, "localhost-") || !strings.HasPrefix(podLabel, "pod-") {
		return Target{}, false
	}

	port, err := strconv.Atoi(strings.TrimPrefix(portLabel, "localhost-"))
	if err != nil || port < 1 || port > 65535 {
		return Target{}, false
	}

	slug := strings.TrimPrefix(podLabel, "pod-")
	if !models.ValidSlug(slug) {
		return Target{}, false
	}

	return Target{Port: port, Slug: slug}, true
}

// CanonicalHost is the in-pod form of a target's hostname. The upstream
// request carries it so the pod's internal reverse proxy can route to the
// right internal port.
func CanonicalHost(target Target, baseDomain string) string {
	return fmt.Sprintf("localhost-%d.pod-%s.%s", target.Port, target.Slug, baseDomain)
}
