// Package base64codec implements the §3/§4.4 round-trip binary/text codec
// used to embed IMC-IMV payloads inside IF-TNCCS XML batches: lines of at
// most 76 characters, NUL-terminated output, whitespace-tolerant decode.
// Grounded on the line-wrapping behavior of the original libtnc base64.c.
package base64codec

import (
	"encoding/base64"
	"strings"
)

const lineWidth = 76

// Encode returns the base64 encoding of data, wrapped at 76 columns with
// LF line endings and a trailing NUL byte (§4.4). The NUL is a buffer
// terminator, not XML content: package batch strips it before embedding
// the text in a batch document.
func Encode(data []byte) string {
	raw := base64.StdEncoding.EncodeToString(data)
	var b strings.Builder
	for i := 0; i < len(raw); i += lineWidth {
		end := i + lineWidth
		if end > len(raw) {
			end = len(raw)
		}
		b.WriteString(raw[i:end])
		b.WriteByte('\n')
	}
	b.WriteByte(0)
	return b.String()
}

// Decode reverses Encode. It tolerates (strips) any whitespace and a
// trailing NUL before decoding, so it also accepts input produced by other
// base64 encoders that don't share this package's exact line width.
func Decode(text string) ([]byte, error) {
	text = strings.TrimRight(text, "\x00")
	var b strings.Builder
	b.Grow(len(text))
	for _, r := range text {
		if r == ' ' || r == '\t' || r == '\r' || r == '\n' {
			continue
		}
		b.WriteRune(r)
	}
	return base64.StdEncoding.DecodeString(b.String())
}
