package httpparse

import (
	"strings"

	apperrors "github.com/carlosrabelo/webproxy/pkg/errors"
)

// NormalizePath decodes and sanitizes a request-target path, rejecting
// anything that could reach outside a route's served root. The
// decode-then-reject-then-collapse sequence follows original_source's
// normalize_path: reject encoded traversal/separator sequences before
// decoding is trusted, reject raw ".." and control bytes after
// decoding, then collapse "//" and "./" segments.
func NormalizePath(path string) (string, error) {
	if path == "" {
		return "/", nil
	}

	decoded, err := percentDecodeChecked(path)
	if err != nil {
		return "", err
	}

	if strings.Contains(decoded, "../") || strings.Contains(decoded, "..\\") || strings.HasSuffix(decoded, "..") {
		return "", apperrors.New(apperrors.ParseError, "path traversal rejected")
	}

	for _, c := range decoded {
		if c == '\n' || c == '\r' || c == 0 || c < 0x20 || c == 0x7f {
			return "", apperrors.New(apperrors.ParseError, "control character in path")
		}
	}

	if len(decoded) >= 3 && decoded[1] == ':' && isAlpha(decoded[0]) {
		return "", apperrors.New(apperrors.ParseError, "absolute Windows-style path rejected")
	}

	return collapse(decoded), nil
}

func isAlpha(b byte) bool {
	return (b >= 'A' && b <= 'Z') || (b >= 'a' && b <= 'z')
}

// percentDecodeChecked decodes %XX sequences but refuses to decode
// encoded '.', '/', or '\' — the encodings an attacker would use to
// smuggle a traversal sequence past a naive pre-decode check.
func percentDecodeChecked(path string) (string, error) {
	var b strings.Builder
	b.Grow(len(path))

	for i := 0; i < len(path); i++ {
		c := path[i]
		if c != '%' || i+2 >= len(path) {
			b.WriteByte(c)
			continue
		}
		h1, h2 := path[i+1], path[i+2]
		if isDangerousEscape(h1, h2) {
			return "", apperrors.New(apperrors.ParseError, "path contains encoded dangerous characters")
		}
		v1, ok1 := hexVal(h1)
		v2, ok2 := hexVal(h2)
		if !ok1 || !ok2 {
			b.WriteByte(c)
			continue
		}
		b.WriteByte(byte(v1*16 + v2))
		i += 2
	}
	return b.String(), nil
}

func isDangerousEscape(h1, h2 byte) bool {
	lower := func(b byte) byte {
		if b >= 'A' && b <= 'Z' {
			return b + 32
		}
		return b
	}
	h1, h2 = lower(h1), lower(h2)
	switch {
	case h1 == '2' && h2 == 'e': // %2e = .
		return true
	case h1 == '2' && h2 == 'f': // %2f = /
		return true
	case h1 == '5' && h2 == 'c': // %5c = \
		return true
	}
	return false
}

func hexVal(b byte) (int, bool) {
	switch {
	case b >= '0' && b <= '9':
		return int(b - '0'), true
	case b >= 'a' && b <= 'f':
		return int(b-'a') + 10, true
	case b >= 'A' && b <= 'F':
		return int(b-'A') + 10, true
	default:
		return 0, false
	}
}

// collapse removes repeated slashes and "./" segments and guarantees a
// leading "/".
func collapse(path string) string {
	var b strings.Builder
	b.Grow(len(path) + 1)

	if !strings.HasPrefix(path, "/") {
		b.WriteByte('/')
	}

	i := 0
	for i < len(path) {
		switch {
		case path[i] == '/':
			for i < len(path) && path[i] == '/' {
				i++
			}
			if i < len(path) {
				b.WriteByte('/')
			}
		case path[i] == '.' && (i == 0 || path[i-1] == '/') && (i+1 == len(path) || path[i+1] == '/'):
			i++
			if i < len(path) && path[i] == '/' {
				i++
			}
		default:
			b.WriteByte(path[i])
			i++
		}
	}

	out := b.String()
	if out == "" {
		return "/"
	}
	return out
}
