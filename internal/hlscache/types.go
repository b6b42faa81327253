package hlscache

// Record is what the cache stores per origin URL. Only raw origin bytes are
// kept; manifests are rewritten on every serve.
type Record struct {
	Payload     []byte
	SourceURL   string
	ContentType string
	StoredAt    int64 // unix seconds
}

// Kind selects the fetch path for a proxied request.
type Kind int

const (
	KindGeneric Kind = iota
	KindManifest
)

func (k Kind) String() string {
	if k == KindManifest {
		return "manifest"
	}
	return "generic"
}

// response is the result of handling one proxied request. persist, when set,
// must run after the response has been written.
type response struct {
	status      int
	body        []byte
	contentType string
	outcome     string
	persist     func()
}
