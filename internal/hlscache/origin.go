package hlscache

import (
	"net"
	"net/url"
	"strings"

	"github.com/pkg/errors"
)

// Codec converts origin URLs to proxy-facing URLs and back. The origin is
// carried whole in a single query parameter; the proxied path mirrors the
// origin path so extension-based routing keeps working for players.
type Codec struct {
	Host  string // proxy host:port
	Param string
}

func (c Codec) Encode(origin *url.URL) (*url.URL, error) {
	if !isAbsoluteHTTP(origin) {
		return nil, errors.Wrapf(ErrInvalidRequest, "origin %q is not an absolute http(s) url", origin)
	}

	q := c.Param + "=" + url.QueryEscape(origin.String())
	if origin.RawQuery != "" {
		q = origin.RawQuery + "&" + q
	}

	out := &url.URL{
		Scheme:   "http",
		Host:     c.Host,
		Path:     origin.Path,
		RawPath:  origin.RawPath,
		RawQuery: q,
	}
	if out.Path == "" {
		out.Path = "/"
		out.RawPath = ""
	}
	return out, nil
}

// EncodeString is Encode for raw URL strings.
func (c Codec) EncodeString(origin string) (string, error) {
	u, err := url.Parse(strings.TrimSpace(origin))
	if err != nil {
		return "", errors.Wrapf(ErrInvalidRequest, "parse origin: %v", err)
	}
	p, err := c.Encode(u)
	if err != nil {
		return "", err
	}
	return p.String(), nil
}

// Decode extracts the origin URL from a proxied request URL.
func (c Codec) Decode(proxied *url.URL) (*url.URL, error) {
	if proxied == nil {
		return nil, errors.Wrap(ErrInvalidRequest, "empty request url")
	}
	q, _ := url.ParseQuery(proxied.RawQuery)
	vals := q[c.Param]
	// Encode appends the parameter after the origin's own query, which may
	// already carry one of the same name.
	if len(vals) == 0 || vals[len(vals)-1] == "" {
		return nil, errors.Wrapf(ErrInvalidRequest, "missing %s parameter", c.Param)
	}
	raw := vals[len(vals)-1]
	origin, err := url.Parse(raw)
	if err != nil {
		return nil, errors.Wrapf(ErrInvalidRequest, "parse origin: %v", err)
	}
	if !isAbsoluteHTTP(origin) {
		return nil, errors.Wrapf(ErrInvalidRequest, "origin %q is not an absolute http(s) url", raw)
	}
	return origin, nil
}

// IsProxied reports whether u already points at this proxy. Loopback names
// for the proxy's port (localhost, 127.0.0.1, [::1]) all count as the proxy.
func (c Codec) IsProxied(u *url.URL) bool {
	if u == nil || !sameHost(u.Host, c.Host) {
		return false
	}
	q, _ := url.ParseQuery(u.RawQuery)
	_, ok := q[c.Param]
	return ok
}

func sameHost(a, b string) bool {
	if strings.EqualFold(a, b) {
		return true
	}
	ah, ap, err := net.SplitHostPort(a)
	if err != nil {
		return false
	}
	bh, bp, err := net.SplitHostPort(b)
	if err != nil || ap != bp {
		return false
	}
	return isLocalHost(ah) && isLocalHost(bh)
}

// isLocalHost treats the wildcard address as local too, since a listener
// bound to it answers on loopback.
func isLocalHost(h string) bool {
	if strings.EqualFold(h, "localhost") {
		return true
	}
	ip := net.ParseIP(h)
	return ip != nil && (ip.IsLoopback() || ip.IsUnspecified())
}

func isAbsoluteHTTP(u *url.URL) bool {
	if u == nil || u.Host == "" {
		return false
	}
	s := strings.ToLower(u.Scheme)
	return s == "http" || s == "https"
}
