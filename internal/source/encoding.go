package source

import (
	"fmt"
	"io"
	"strings"

	"golang.org/x/text/encoding"
	"golang.org/x/text/encoding/charmap"
	"golang.org/x/text/encoding/ianaindex"
	"golang.org/x/text/encoding/unicode"
	"golang.org/x/text/transform"
)

// decodeText wraps r so it yields UTF-8. A UTF-8 or UTF-16 byte-order mark
// at the start of the input overrides name and is stripped.
func decodeText(r io.Reader, name string) (io.Reader, error) {
	enc, err := lookupEncoding(name)
	if err != nil {
		return nil, err
	}
	return transform.NewReader(r, unicode.BOMOverride(enc.NewDecoder())), nil
}

// IsUTF8 reports whether name denotes UTF-8 (or is empty).
func IsUTF8(name string) bool {
	switch normalizeEncodingName(name) {
	case "", "utf8":
		return true
	}
	return false
}

func lookupEncoding(name string) (encoding.Encoding, error) {
	switch normalizeEncodingName(name) {
	case "", "utf8":
		return unicode.UTF8, nil
	case "utf16":
		return unicode.UTF16(unicode.LittleEndian, unicode.UseBOM), nil
	case "utf16le":
		return unicode.UTF16(unicode.LittleEndian, unicode.IgnoreBOM), nil
	case "utf16be":
		return unicode.UTF16(unicode.BigEndian, unicode.IgnoreBOM), nil
	case "latin1", "iso88591", "l1":
		return charmap.ISO8859_1, nil
	case "cp1252", "windows1252":
		return charmap.Windows1252, nil
	}

	enc, err := ianaindex.IANA.Encoding(name)
	if err != nil {
		return nil, fmt.Errorf("%w: encoding %q", ErrUnsupportedFormat, name)
	}
	if enc == nil {
		return nil, fmt.Errorf("%w: encoding %q has no decoder", ErrUnsupportedFormat, name)
	}
	return enc, nil
}

func normalizeEncodingName(name string) string {
	s := strings.ToLower(strings.TrimSpace(name))
	s = strings.NewReplacer("-", "", "_", "", " ", "").Replace(s)
	return s
}
