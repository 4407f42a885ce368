package httpx

import "strings"

// Header constants shared by the composer and parser.
const (
	crlf            = "\r\n"
	headerSeparator = ": "

	HeaderContentLength    = "content-length"
	HeaderTransferEncoding = "transfer-encoding"
	HeaderContentType      = "content-type"
	HeaderConnection       = "connection"
)

// Headers is a header map. Parser-produced maps hold lowercased keys;
// composer-side maps hold keys as the caller wrote them. Insertion
// order is not preserved.
type Headers map[string]string

// Set stores val under key, replacing any prior value.
func (h Headers) Set(key, val string) { h[key] = val }

// TryAdd stores val under key only when the key is absent.
func (h Headers) TryAdd(key, val string) {
	if _, ok := h[key]; !ok {
		h[key] = val
	}
}

// Get looks key up, falling back to its lowercase form, so that lookups
// work against both composer- and parser-shaped maps.
func (h Headers) Get(key string) (string, bool) {
	if v, ok := h[key]; ok {
		return v, true
	}
	v, ok := h[strings.ToLower(key)]
	return v, ok
}

// Has reports whether key is present.
func (h Headers) Has(key string) bool {
	_, ok := h.Get(key)
	return ok
}

// Clone returns a shallow copy.
func (h Headers) Clone() Headers {
	out := make(Headers, len(h))
	for k, v := range h {
		out[k] = v
	}
	return out
}
