package fetch

import (
	"bytes"
	"unicode/utf8"

	"golang.org/x/text/encoding/charmap"
)

var utf8BOM = []byte{0xEF, 0xBB, 0xBF}

// DecodeText turns a downloaded payload into text. UTF-8 (with or without
// a BOM) is returned as is. Anything else is decoded as Windows-1252, the
// encoding legacy spreadsheet exports use, and lossy is set so the caller
// can record that the file was not UTF-8.
func DecodeText(raw []byte) (text string, lossy bool) {
	raw = bytes.TrimPrefix(raw, utf8BOM)
	if utf8.Valid(raw) {
		return string(raw), false
	}
	decoded, err := charmap.Windows1252.NewDecoder().Bytes(raw)
	if err != nil {
		return string(bytes.ToValidUTF8(raw, []byte("\uFFFD"))), true
	}
	return string(decoded), true
}
