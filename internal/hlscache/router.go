package hlscache

import (
	"net/url"
	"path"
	"strings"
)

// Classify picks the fetch path from the origin's file extension. Anything
// that is not a playlist is served as opaque bytes.
func Classify(origin *url.URL) Kind {
	if extOf(origin) == "m3u8" {
		return KindManifest
	}
	return KindGeneric
}

func extOf(u *url.URL) string {
	if u == nil {
		return ""
	}
	return strings.ToLower(strings.TrimPrefix(path.Ext(u.Path), "."))
}

// defaultContentType is used when upstream omits Content-Type.
func defaultContentType(u *url.URL) string {
	switch extOf(u) {
	case "ts":
		return "video/mp2t"
	case "mp4", "m4s", "m4v":
		return "video/mp4"
	case "m4a":
		return "audio/mp4"
	case "aac":
		return "audio/aac"
	case "vtt", "webvtt":
		return "text/vtt"
	case "m3u8":
		return "application/x-mpegurl"
	default:
		return "application/octet-stream"
	}
}
