package hlscache

import (
	"net/url"
	"path"
	"strings"
	"unicode/utf8"
)

const uriAttr = `URI="`

// Rewriter turns every reference inside a playlist into its proxied form.
type Rewriter struct {
	codec Codec
}

func NewRewriter(codec Codec) Rewriter {
	return Rewriter{codec: codec}
}

// Rewrite returns body with every URI routed through the proxy. base is the
// playlist's own origin URL and anchors relative references. Bodies that are
// not valid UTF-8, or that hold nothing to rewrite, come back unchanged.
func (rw Rewriter) Rewrite(body []byte, base *url.URL) []byte {
	if !utf8.Valid(body) {
		return body
	}
	lines := strings.Split(string(body), "\n")
	changed := false
	for i, line := range lines {
		out := rw.rewriteLine(line, base)
		if out != line {
			lines[i] = out
			changed = true
		}
	}
	if !changed {
		return body
	}
	return []byte(strings.Join(lines, "\n"))
}

func (rw Rewriter) rewriteLine(line string, base *url.URL) string {
	content, cr := strings.CutSuffix(line, "\r")
	if content == "" {
		return line
	}

	var out string
	if strings.HasPrefix(content, "#") {
		spans := findURIAttrs(content)
		if len(spans) == 0 {
			return line
		}
		out = replaceSpans(content, spans, func(v string) string {
			if p, ok := rw.proxy(v, base); ok {
				return p
			}
			return v
		})
	} else {
		p, ok := rw.proxy(strings.TrimSpace(content), base)
		if !ok {
			return line
		}
		out = p
	}

	if cr {
		out += "\r"
	}
	return out
}

// proxy resolves ref against base and encodes it. References that already
// point at the proxy are reported as not rewritable.
func (rw Rewriter) proxy(ref string, base *url.URL) (string, bool) {
	target, ok := resolveRef(ref, base)
	if !ok || rw.codec.IsProxied(target) {
		return "", false
	}
	p, err := rw.codec.Encode(target)
	if err != nil {
		return "", false
	}
	return p.String(), true
}

// span marks the byte range of one quoted URI value, quotes excluded.
type span struct{ start, end int }

// findURIAttrs locates every URI="..." attribute value on a tag line.
// An unterminated value ends the scan.
func findURIAttrs(line string) []span {
	var spans []span
	pos := 0
	for pos < len(line) {
		i := strings.Index(line[pos:], uriAttr)
		if i < 0 {
			break
		}
		at := pos + i
		start := at + len(uriAttr)
		if at > 0 && !isAttrBoundary(line[at-1]) {
			pos = start
			continue
		}
		end := strings.IndexByte(line[start:], '"')
		if end < 0 {
			break
		}
		spans = append(spans, span{start: start, end: start + end})
		pos = start + end + 1
	}
	return spans
}

func isAttrBoundary(b byte) bool {
	return b == ':' || b == ',' || b == ' ' || b == '\t'
}

// replaceSpans rebuilds line with each span's value passed through fn. Bytes
// outside the spans are copied verbatim.
func replaceSpans(line string, spans []span, fn func(string) string) string {
	var b strings.Builder
	b.Grow(len(line) + 128*len(spans))
	last := 0
	for _, s := range spans {
		b.WriteString(line[last:s.start])
		b.WriteString(fn(line[s.start:s.end]))
		last = s.end
	}
	b.WriteString(line[last:])
	return b.String()
}

// resolveRef turns a playlist reference into an absolute origin URL. Only
// playlists and media served from m3u8, ts or mp4 URLs are resolved against.
func resolveRef(ref string, base *url.URL) (*url.URL, bool) {
	if ref == "" || strings.HasPrefix(ref, "#") || !isAbsoluteHTTP(base) {
		return nil, false
	}
	switch extOf(base) {
	case "m3u8", "ts", "mp4":
	default:
		return nil, false
	}

	lower := strings.ToLower(ref)
	if strings.HasPrefix(lower, "http://") || strings.HasPrefix(lower, "https://") {
		u, err := url.Parse(ref)
		if err != nil || u.Host == "" {
			return nil, false
		}
		return u, true
	}

	r, err := url.Parse(ref)
	if err != nil {
		return nil, false
	}
	// data:, skd: and similar are not fetchable through the proxy.
	if r.Scheme != "" {
		return nil, false
	}
	host := base.Host
	if r.Host != "" {
		// network-path reference, //cdn.example.com/seg.ts
		host = r.Host
	}

	// Joined in escaped form so %2F inside a segment name stays one segment.
	ref = r.EscapedPath()
	var raw string
	switch {
	case ref == "":
		raw = base.EscapedPath()
	case strings.HasPrefix(ref, "/"):
		raw = path.Clean(ref)
	default:
		raw = path.Join("/", path.Dir(base.EscapedPath()), ref)
	}
	if strings.HasSuffix(ref, "/") && !strings.HasSuffix(raw, "/") {
		raw += "/"
	}
	p, err := url.PathUnescape(raw)
	if err != nil {
		return nil, false
	}

	u := &url.URL{
		Scheme:   base.Scheme,
		Host:     host,
		Path:     p,
		RawQuery: r.RawQuery,
	}
	if raw != u.EscapedPath() {
		u.RawPath = raw
	}
	return u, true
}
