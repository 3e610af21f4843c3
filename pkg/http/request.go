package http

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/netip"
	"strings"
)

// MaxBodyBytes bounds JSON request bodies on auth endpoints.
const MaxBodyBytes = 1 << 16

// IPConfig holds the proxies whose forwarding headers are trusted.
type IPConfig struct {
	TrustedProxies []string // CIDR ranges of trusted proxies
	prefixes       []netip.Prefix
}

// NewIPConfig parses trusted proxy CIDRs once; invalid entries are skipped.
func NewIPConfig(trusted []string) *IPConfig {
	cfg := &IPConfig{TrustedProxies: trusted}
	cfg.prefixes = parsePrefixes(trusted)
	return cfg
}

func parsePrefixes(cidrs []string) []netip.Prefix {
	out := make([]netip.Prefix, 0, len(cidrs))
	for _, cidr := range cidrs {
		if p, err := netip.ParsePrefix(strings.TrimSpace(cidr)); err == nil {
			out = append(out, p.Masked())
		}
	}
	return out
}

func (c *IPConfig) trusted(addr netip.Addr) bool {
	if c == nil {
		return false
	}
	prefixes := c.prefixes
	if prefixes == nil && len(c.TrustedProxies) > 0 {
		prefixes = parsePrefixes(c.TrustedProxies)
	}
	addr = addr.Unmap()
	for _, p := range prefixes {
		if p.Contains(addr) {
			return true
		}
	}
	return false
}

// ExtractClientIP returns the client address. Forwarding headers are honoured only when
// the direct peer is a trusted proxy; X-Forwarded-For is walked right to left and the
// first hop that is not itself a trusted proxy wins.
func ExtractClientIP(r *http.Request, config *IPConfig) string {
	remote := remoteAddr(r)
	remoteIP, err := netip.ParseAddr(remote)
	if err != nil || !config.trusted(remoteIP) {
		return remote
	}

	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		hops := strings.Split(xff, ",")
		for i := len(hops) - 1; i >= 0; i-- {
			hop, err := netip.ParseAddr(strings.TrimSpace(hops[i]))
			if err != nil {
				break
			}
			if !config.trusted(hop) {
				return hop.Unmap().String()
			}
		}
	}

	if xri, err := netip.ParseAddr(strings.TrimSpace(r.Header.Get("X-Real-IP"))); err == nil {
		return xri.Unmap().String()
	}

	return remote
}

func remoteAddr(r *http.Request) string {
	if r.RemoteAddr == "" {
		return "unknown"
	}
	if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		return host
	}
	return r.RemoteAddr
}

// DecodeJSON decodes a bounded JSON body into dst, rejecting unknown fields and trailing data.
func DecodeJSON(w http.ResponseWriter, r *http.Request, dst any) error {
	r.Body = http.MaxBytesReader(w, r.Body, MaxBodyBytes)
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()

	if err := dec.Decode(dst); err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			return fmt.Errorf("request body too large")
		}
		if errors.Is(err, io.EOF) {
			return fmt.Errorf("request body is empty")
		}
		return fmt.Errorf("invalid JSON body")
	}
	if dec.More() {
		return fmt.Errorf("request body must contain a single JSON object")
	}
	return nil
}
