package hlscache

import (
	"context"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func streamRoutes() map[string]func(http.ResponseWriter) {
	const m3u8 = "application/vnd.apple.mpegurl"
	return map[string]func(http.ResponseWriter){
		"/live/master.m3u8": serveBody(m3u8, "#EXTM3U\n"+
			`#EXT-X-MEDIA:TYPE=AUDIO,GROUP-ID="aud",NAME="en",URI="audio/en.m3u8"`+"\n"+
			"#EXT-X-STREAM-INF:BANDWIDTH=800000,AUDIO=\"aud\"\n"+
			"v720/index.m3u8\n"),
		"/live/v720/index.m3u8": serveBody(m3u8, "#EXTM3U\n"+
			`#EXT-X-KEY:METHOD=AES-128,URI="/keys/k1.bin"`+"\n"+
			`#EXT-X-MAP:URI="init.mp4"`+"\n"+
			"#EXTINF:4,\nseg1.ts\n#EXTINF:4,\nseg2.ts\n#EXT-X-ENDLIST\n"),
		"/live/audio/en.m3u8": serveBody(m3u8, "#EXTM3U\n"+
			`#EXT-X-KEY:METHOD=AES-128,URI="/keys/k1.bin"`+"\n"+
			"#EXTINF:4,\na1.aac\n#EXT-X-ENDLIST\n"),
		"/keys/k1.bin":        serveBody("application/octet-stream", "0123456789abcdef"),
		"/live/v720/init.mp4": serveBody("video/mp4", "init"),
		"/live/v720/seg1.ts":  serveBody("video/mp2t", "seg1"),
		"/live/v720/seg2.ts":  serveBody("video/mp2t", "seg2"),
		"/live/audio/a1.aac":  serveBody("audio/aac", "a1"),
	}
}

func TestPrefetchWalksPlaylistTree(t *testing.T) {
	up := newUpstream(t, streamRoutes())
	svc := newTestService(t, testConfig(t.TempDir()))
	root := up.URL + "/live/master.m3u8"

	res, err := svc.Prefetch(context.Background(), root)
	require.NoError(t, err)
	assert.Equal(t, PrefetchResult{Playlists: 3, Media: 5, Fetched: 8}, res)
	assert.Equal(t, int64(8), up.hits.Load())

	res, err = svc.Prefetch(context.Background(), root)
	require.NoError(t, err)
	assert.Equal(t, PrefetchResult{Playlists: 3, Media: 5, Cached: 8}, res)
	assert.Equal(t, int64(8), up.hits.Load())

	origin := up.URL
	up.Close()
	for _, p := range []string{
		"/live/master.m3u8",
		"/live/v720/index.m3u8",
		"/live/audio/en.m3u8",
		"/keys/k1.bin",
		"/live/v720/seg2.ts",
		"/live/audio/a1.aac",
	} {
		assert.Equal(t, http.StatusOK, get(t, svc, origin+p).Code, p)
	}
}

func TestPrefetchCountsFailures(t *testing.T) {
	routes := streamRoutes()
	delete(routes, "/live/audio/en.m3u8")
	delete(routes, "/live/v720/seg2.ts")
	up := newUpstream(t, routes)
	svc := newTestService(t, testConfig(t.TempDir()))

	res, err := svc.Prefetch(context.Background(), up.URL+"/live/master.m3u8")
	require.NoError(t, err)
	assert.Equal(t, 2, res.Playlists)
	assert.Equal(t, 4, res.Media)
	assert.Equal(t, 2, res.Failed)
	assert.Equal(t, 5, res.Fetched)
}

func TestPrefetchRootErrors(t *testing.T) {
	up := newUpstream(t, nil)
	svc := newTestService(t, testConfig(t.TempDir()))

	_, err := svc.Prefetch(context.Background(), "master.m3u8")
	assert.ErrorIs(t, err, ErrInvalidRequest)
	_, err = svc.Prefetch(context.Background(), up.URL+"/live/seg1.ts")
	assert.ErrorIs(t, err, ErrInvalidRequest)
	_, err = svc.Prefetch(context.Background(), up.URL+"/live/master.m3u8")
	assert.ErrorIs(t, err, ErrUpstreamFetch)
}

func TestPrefetchHonoursCancellation(t *testing.T) {
	up := newUpstream(t, streamRoutes())
	svc := newTestService(t, testConfig(t.TempDir()))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := svc.Prefetch(ctx, up.URL+"/live/master.m3u8")
	assert.ErrorIs(t, err, context.Canceled)
	assert.Zero(t, up.hits.Load())
}
