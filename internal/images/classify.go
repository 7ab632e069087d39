// Package images downloads and stores auction photo sets. The source server
// never 404s an out-of-range photo index; it serves a fixed-size placeholder
// image instead, so "no more images" is detected by payload classification
// rather than by status code.
package images

import "bytes"

// The placeholder sentinel the server returns for out-of-range indices falls
// in a narrow byte-size band.
const (
	placeholderMinSize = 20000
	placeholderMaxSize = 23000
)

var (
	jpegMagic = []byte{0xFF, 0xD8, 0xFF}
	pngMagic  = []byte{0x89, 0x50, 0x4E, 0x47}
)

// Kind classifies one fetched image payload.
type Kind int

const (
	// KindValid is a real JPEG or PNG photo worth persisting.
	KindValid Kind = iota
	// KindPlaceholder is the server's "no more images" sentinel.
	KindPlaceholder
	// KindInvalid is anything else: truncated payloads, HTML error pages
	// served with an image URL, unknown formats.
	KindInvalid
)

func (k Kind) String() string {
	switch k {
	case KindValid:
		return "valid"
	case KindPlaceholder:
		return "placeholder"
	default:
		return "invalid"
	}
}

// Classify inspects a fetched payload. The size band check runs first: a
// payload inside it is the sentinel even when it carries valid image magic.
func Classify(buf []byte) Kind {
	if len(buf) >= placeholderMinSize && len(buf) <= placeholderMaxSize {
		return KindPlaceholder
	}
	if bytes.HasPrefix(buf, jpegMagic) || bytes.HasPrefix(buf, pngMagic) {
		return KindValid
	}
	return KindInvalid
}

// Extension returns the file extension for a valid payload.
func Extension(buf []byte) string {
	if bytes.HasPrefix(buf, pngMagic) {
		return "png"
	}
	return "jpg"
}
