// Package ipfilter restricts HTTP surfaces to an allowlist of source IPs.
package ipfilter

import (
	"log/slog"
	"net/http"
	"net/netip"
	"strings"
)

// Filter holds the allowed source prefixes. An empty filter allows everyone.
type Filter struct {
	allowed []netip.Prefix
	logger  *slog.Logger
}

// New builds a filter from a list of IPs and CIDR prefixes. Entries that do
// not parse are logged and skipped rather than failing startup.
func New(allowedIPs []string, logger *slog.Logger) *Filter {
	f := &Filter{logger: logger}

	for _, entry := range allowedIPs {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}

		if strings.Contains(entry, "/") {
			prefix, err := netip.ParsePrefix(entry)
			if err != nil {
				logger.Warn("invalid CIDR in allowed_ips", "cidr", entry, "error", err)
				continue
			}
			f.allowed = append(f.allowed, prefix.Masked())
			continue
		}

		addr, err := netip.ParseAddr(entry)
		if err != nil {
			logger.Warn("invalid IP in allowed_ips", "ip", entry, "error", err)
			continue
		}
		f.allowed = append(f.allowed, netip.PrefixFrom(addr, addr.BitLen()))
	}

	return f
}

// Enabled reports whether any allowlist entries are configured.
func (f *Filter) Enabled() bool {
	return len(f.allowed) > 0
}

// Allowed reports whether addr may access the service.
func (f *Filter) Allowed(addr netip.Addr) bool {
	if len(f.allowed) == 0 {
		return true
	}
	addr = addr.Unmap()
	for _, prefix := range f.allowed {
		if prefix.Contains(addr) {
			return true
		}
	}
	return false
}

// clientAddr extracts the source address of a request. Proxy headers take
// precedence over RemoteAddr so the filter sees the original client behind
// a load balancer.
func clientAddr(r *http.Request) (netip.Addr, bool) {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		first, _, _ := strings.Cut(xff, ",")
		if addr, err := netip.ParseAddr(strings.TrimSpace(first)); err == nil {
			return addr, true
		}
	}
	if xri := r.Header.Get("X-Real-IP"); xri != "" {
		if addr, err := netip.ParseAddr(strings.TrimSpace(xri)); err == nil {
			return addr, true
		}
	}

	if ap, err := netip.ParseAddrPort(r.RemoteAddr); err == nil {
		return ap.Addr(), true
	}
	if addr, err := netip.ParseAddr(r.RemoteAddr); err == nil {
		return addr, true
	}
	return netip.Addr{}, false
}

// HTTPMiddleware rejects requests from addresses outside the allowlist.
func (f *Filter) HTTPMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !f.Enabled() {
			next.ServeHTTP(w, r)
			return
		}

		addr, ok := clientAddr(r)
		if !ok {
			f.logger.Warn("could not parse client IP", "remote_addr", r.RemoteAddr)
			http.Error(w, "Forbidden", http.StatusForbidden)
			return
		}

		if !f.Allowed(addr) {
			f.logger.Warn("access denied by IP filter", "ip", addr.String(), "path", r.URL.Path)
			http.Error(w, "Forbidden", http.StatusForbidden)
			return
		}

		next.ServeHTTP(w, r)
	})
}
