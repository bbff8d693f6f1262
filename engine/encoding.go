package engine

import (
	"strings"

	"golang.org/x/text/encoding"
	"golang.org/x/text/encoding/htmlindex"
	"golang.org/x/text/encoding/unicode"

	"github.com/franksops/hdfsconn/errdefs"
)

// DefaultEncoding is used when no encoding is configured.
const DefaultEncoding = "utf-8"

// lookupEncoding resolves a charset name (utf-8, iso-8859-1, windows-1252,
// shift_jis, ...) using the WHATWG index.
func lookupEncoding(field, name string) (encoding.Encoding, error) {
	name = strings.TrimSpace(name)
	if name == "" || strings.EqualFold(name, DefaultEncoding) || strings.EqualFold(name, "utf8") {
		return unicode.UTF8, nil
	}
	enc, err := htmlindex.Get(name)
	if err != nil {
		return nil, errdefs.Config(field, "unsupported encoding %q", name)
	}
	return enc, nil
}

func isUTF8(enc encoding.Encoding) bool {
	return enc == unicode.UTF8
}
