package hlscache

import (
	"context"
	"io"
	"net/http"
	"net/url"

	"github.com/pkg/errors"
)

type fetched struct {
	body        []byte
	contentType string
}

// handle decodes, classifies and serves one proxied request URL.
func (s *Service) handle(ctx context.Context, proxied *url.URL) (response, error) {
	origin, err := s.codec().Decode(proxied)
	if err != nil {
		s.metrics.requests.WithLabelValues("unknown", outcomeFor(err)).Inc()
		return response{}, err
	}

	kind := Classify(origin)
	var resp response
	switch kind {
	case KindManifest:
		resp, err = s.serveManifest(ctx, origin)
	default:
		resp, err = s.serveGeneric(ctx, origin)
	}
	if err != nil {
		s.metrics.requests.WithLabelValues(kind.String(), outcomeFor(err)).Inc()
		return response{}, err
	}
	s.metrics.requests.WithLabelValues(kind.String(), resp.outcome).Inc()
	s.metrics.responseBytes.WithLabelValues(kind.String()).Add(float64(len(resp.body)))
	return resp, nil
}

func (s *Service) serveManifest(ctx context.Context, origin *url.URL) (response, error) {
	f, outcome, err := s.manifestBytes(ctx, origin)
	if err != nil {
		return response{}, err
	}
	return response{
		status:      http.StatusOK,
		body:        NewRewriter(s.codec()).Rewrite(f.body, origin),
		contentType: f.contentType,
		outcome:     outcome,
	}, nil
}

// manifestBytes returns the raw playlist for origin. On a miss the playlist
// is fetched, type-checked and cached before it is returned.
func (s *Service) manifestBytes(ctx context.Context, origin *url.URL) (fetched, string, error) {
	src := origin.String()
	if rec, ok := s.cache.lookup(src); ok {
		return fetched{body: rec.Payload, contentType: rec.ContentType}, "hit", nil
	}

	led := false
	s.metrics.pending.Inc()
	v, err, _ := s.flight.Do(CacheKey(src), func() (any, error) {
		led = true
		f, err := s.fetchUpstream(context.WithoutCancel(ctx), origin)
		if err != nil {
			return nil, err
		}
		if !s.cfg.isManifestType(f.contentType) {
			return nil, errors.Wrapf(ErrUnsupportedContentType, "%s served %q", src, f.contentType)
		}
		s.cache.save(src, f.body, f.contentType)
		return f, nil
	})
	s.metrics.pending.Dec()
	if !led {
		s.metrics.coalesced.Inc()
	}
	if err != nil {
		return fetched{}, "", err
	}
	return v.(fetched), "miss", nil
}

func (s *Service) serveGeneric(ctx context.Context, origin *url.URL) (response, error) {
	f, outcome, persist, err := s.genericBytes(ctx, origin)
	if err != nil {
		return response{}, err
	}
	return response{
		status:      http.StatusOK,
		body:        f.body,
		contentType: f.contentType,
		outcome:     outcome,
		persist:     persist,
	}, nil
}

// genericBytes returns the payload for origin. On a miss the returned persist
// func stores it; callers run it once the bytes have been handed on. Only the
// caller that performed the fetch gets a persist func.
func (s *Service) genericBytes(ctx context.Context, origin *url.URL) (fetched, string, func(), error) {
	src := origin.String()
	if rec, ok := s.cache.lookup(src); ok {
		return fetched{body: rec.Payload, contentType: rec.ContentType}, "hit", nil, nil
	}

	led := false
	s.metrics.pending.Inc()
	v, err, _ := s.flight.Do(CacheKey(src), func() (any, error) {
		led = true
		f, err := s.fetchUpstream(context.WithoutCancel(ctx), origin)
		if err != nil {
			return nil, err
		}
		if normalizeMediaType(f.contentType) == "" {
			f.contentType = defaultContentType(origin)
		}
		return f, nil
	})
	s.metrics.pending.Dec()
	if !led {
		s.metrics.coalesced.Inc()
	}
	if err != nil {
		return fetched{}, "", nil, err
	}

	f := v.(fetched)
	var persist func()
	if led {
		persist = func() { s.cache.save(src, f.body, f.contentType) }
	}
	return f, "miss", persist, nil
}

func (s *Service) fetchUpstream(ctx context.Context, origin *url.URL) (fetched, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, origin.String(), nil)
	if err != nil {
		return fetched{}, errors.Wrapf(ErrUpstreamFetch, "build request: %v", err)
	}
	if ua := s.cfg.Upstream.UserAgent; ua != "" {
		req.Header.Set("User-Agent", ua)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		s.metrics.upstream.WithLabelValues("error").Inc()
		return fetched{}, errors.Wrapf(ErrUpstreamFetch, "get %s: %v", origin, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		s.metrics.upstream.WithLabelValues("error").Inc()
		return fetched{}, errors.Wrapf(ErrUpstreamFetch, "read %s: %v", origin, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		s.metrics.upstream.WithLabelValues("bad-status").Inc()
		return fetched{}, errors.Wrapf(ErrUpstreamFetch, "get %s: status %d", origin, resp.StatusCode)
	}
	s.metrics.upstream.WithLabelValues("ok").Inc()
	return fetched{body: body, contentType: resp.Header.Get("Content-Type")}, nil
}
