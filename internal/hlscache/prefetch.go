package hlscache

import (
	"context"
	"net/url"
	"strings"
	"sync/atomic"

	"github.com/pkg/errors"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// PrefetchResult counts what a Prefetch walk touched.
type PrefetchResult struct {
	Playlists int
	Media     int
	Fetched   int
	Cached    int
	Failed    int
}

// Prefetch walks the playlist tree rooted at origin (master, variants and
// everything they reference) and stores each resource so the stream can be
// replayed offline. Playlists are walked one at a time; media is fetched with
// the configured concurrency. Failures below the root are counted, not fatal.
func (s *Service) Prefetch(ctx context.Context, origin string) (PrefetchResult, error) {
	var res PrefetchResult
	root, err := url.Parse(strings.TrimSpace(origin))
	if err != nil || !isAbsoluteHTTP(root) {
		return res, errors.Wrapf(ErrInvalidRequest, "prefetch origin %q", origin)
	}
	if Classify(root) != KindManifest {
		return res, errors.Wrapf(ErrInvalidRequest, "prefetch origin %q is not a playlist", origin)
	}

	seen := map[string]struct{}{root.String(): {}}
	queue := []*url.URL{root}
	var media []*url.URL

	for len(queue) > 0 {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		u := queue[0]
		queue = queue[1:]

		f, outcome, err := s.manifestBytes(ctx, u)
		if err != nil {
			if u == root {
				return res, err
			}
			res.Failed++
			s.log.Warn("prefetch: playlist failed", zap.String("url", u.String()), zap.Error(err))
			continue
		}
		res.Playlists++
		countOutcome(&res, outcome)

		for _, ref := range playlistRefs(f.body, u) {
			k := ref.String()
			if _, ok := seen[k]; ok {
				continue
			}
			seen[k] = struct{}{}
			if Classify(ref) == KindManifest {
				queue = append(queue, ref)
			} else {
				media = append(media, ref)
			}
		}
	}

	var fetchedN, cachedN, failedN atomic.Int64
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.cfg.Prefetch.Concurrency)
	for _, u := range media {
		g.Go(func() error {
			_, outcome, persist, err := s.genericBytes(gctx, u)
			if err != nil {
				if gctx.Err() != nil {
					return gctx.Err()
				}
				failedN.Add(1)
				s.log.Warn("prefetch: media failed", zap.String("url", u.String()), zap.Error(err))
				return nil
			}
			if persist != nil {
				persist()
			}
			if outcome == "hit" {
				cachedN.Add(1)
			} else {
				fetchedN.Add(1)
			}
			return nil
		})
	}
	err = g.Wait()

	res.Media = len(media)
	res.Fetched += int(fetchedN.Load())
	res.Cached += int(cachedN.Load())
	res.Failed += int(failedN.Load())
	s.log.Info("prefetch done",
		zap.String("origin", root.String()),
		zap.Int("playlists", res.Playlists),
		zap.Int("media", res.Media),
		zap.Int("fetched", res.Fetched),
		zap.Int("cached", res.Cached),
		zap.Int("failed", res.Failed))
	return res, err
}

func countOutcome(res *PrefetchResult, outcome string) {
	if outcome == "hit" {
		res.Cached++
	} else {
		res.Fetched++
	}
}

// playlistRefs lists every resolvable reference in a playlist, in order.
func playlistRefs(body []byte, base *url.URL) []*url.URL {
	var out []*url.URL
	add := func(ref string) {
		if u, ok := resolveRef(ref, base); ok {
			out = append(out, u)
		}
	}
	for _, line := range strings.Split(string(body), "\n") {
		line = strings.TrimSpace(line)
		switch {
		case line == "":
		case strings.HasPrefix(line, "#"):
			for _, sp := range findURIAttrs(line) {
				add(line[sp.start:sp.end])
			}
		default:
			add(line)
		}
	}
	return out
}
