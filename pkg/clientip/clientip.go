// Package clientip resolves the caller address behind reverse proxies and
// attaches it to the request context for logging.
//
// Forwarding headers are only honoured when the direct peer is a trusted
// proxy. With no trusted proxies configured the peer address is always used,
// so a public deployment cannot be fooled by a forged X-Forwarded-For.
package clientip

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"net/netip"
	"strings"

	"github.com/dmitrymomot/billingsync/pkg/logger"
)

// Config lists the headers and proxy networks to trust.
type Config struct {
	Headers        []string `env:"HTTP_TRUSTED_IP_HEADERS" envSeparator:"," envDefault:"CF-Connecting-IP,X-Forwarded-For,X-Real-IP"`
	TrustedProxies []string `env:"HTTP_TRUSTED_PROXIES" envSeparator:","`
}

type Resolver struct {
	headers []string
	proxies []netip.Prefix
}

// New parses the trusted proxy list. Bare addresses are treated as /32 or /128.
func New(cfg Config) (*Resolver, error) {
	r := &Resolver{}
	for _, h := range cfg.Headers {
		if h = strings.TrimSpace(h); h != "" {
			r.headers = append(r.headers, http.CanonicalHeaderKey(h))
		}
	}
	for _, p := range cfg.TrustedProxies {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		if !strings.Contains(p, "/") {
			addr, err := netip.ParseAddr(p)
			if err != nil {
				return nil, fmt.Errorf("clientip: trusted proxy %q: %w", p, err)
			}
			r.proxies = append(r.proxies, netip.PrefixFrom(addr, addr.BitLen()))
			continue
		}
		prefix, err := netip.ParsePrefix(p)
		if err != nil {
			return nil, fmt.Errorf("clientip: trusted proxy %q: %w", p, err)
		}
		r.proxies = append(r.proxies, prefix.Masked())
	}
	return r, nil
}

// Resolve returns the client address, or an empty string when none parses.
func (r *Resolver) Resolve(req *http.Request) string {
	peer, ok := peerAddr(req.RemoteAddr)
	if !ok {
		return ""
	}
	if !r.trusted(peer) {
		return peer.String()
	}

	for _, h := range r.headers {
		v := req.Header.Get(h)
		if v == "" {
			continue
		}
		if h == "X-Forwarded-For" {
			if ip, ok := r.fromForwardedFor(v); ok {
				return ip.String()
			}
			continue
		}
		if ip, err := netip.ParseAddr(strings.TrimSpace(v)); err == nil {
			return ip.Unmap().String()
		}
	}
	return peer.String()
}

// fromForwardedFor walks the chain right to left and returns the first hop
// that is not a trusted proxy.
func (r *Resolver) fromForwardedFor(v string) (netip.Addr, bool) {
	hops := strings.Split(v, ",")
	for i := len(hops) - 1; i >= 0; i-- {
		ip, err := netip.ParseAddr(strings.TrimSpace(hops[i]))
		if err != nil {
			return netip.Addr{}, false
		}
		ip = ip.Unmap()
		if !r.trusted(ip) || i == 0 {
			return ip, true
		}
	}
	return netip.Addr{}, false
}

func (r *Resolver) trusted(ip netip.Addr) bool {
	for _, p := range r.proxies {
		if p.Contains(ip) {
			return true
		}
	}
	return false
}

func peerAddr(remote string) (netip.Addr, bool) {
	host, _, err := net.SplitHostPort(remote)
	if err != nil {
		host = remote
	}
	ip, err := netip.ParseAddr(host)
	if err != nil {
		return netip.Addr{}, false
	}
	return ip.Unmap(), true
}

type ctxKey struct{}

// Middleware stores the resolved address in the request context.
func (r *Resolver) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		if ip := r.Resolve(req); ip != "" {
			req = req.WithContext(WithContext(req.Context(), ip))
		}
		next.ServeHTTP(w, req)
	})
}

func WithContext(ctx context.Context, ip string) context.Context {
	return context.WithValue(ctx, ctxKey{}, ip)
}

func FromContext(ctx context.Context) string {
	ip, _ := ctx.Value(ctxKey{}).(string)
	return ip
}

// LoggerExtractor plugs the client address into logger.WithContextExtractors.
func LoggerExtractor() logger.ContextExtractor {
	return func(ctx context.Context) (slog.Attr, bool) {
		if ip := FromContext(ctx); ip != "" {
			return logger.ClientIP(ip), true
		}
		return slog.Attr{}, false
	}
}
