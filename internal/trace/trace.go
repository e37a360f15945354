// Package trace carries W3C trace context between queue events and log rows.
package trace

import (
	"errors"
	"fmt"
	"strings"
)

// Context is a parsed traceparent header: version-traceid-spanid-flags.
type Context struct {
	Version byte
	TraceID string // 32 lowercase hex chars
	SpanID  string // 16 lowercase hex chars
	Flags   byte
}

var (
	ErrMalformed = errors.New("malformed traceparent")
	// ErrVersion rejects the reserved 0xff version.
	ErrVersion = errors.New("invalid traceparent version ff")
)

// Parse decodes "vv-tttttttttttttttttttttttttttttttt-pppppppppppppppp-ff".
// Versions other than ff are accepted even when unknown, per the W3C rule that
// a higher version must still parse as version 00.
func Parse(s string) (Context, error) {
	parts := strings.Split(s, "-")
	if len(parts) < 4 {
		return Context{}, ErrMalformed
	}
	if len(parts[0]) != 2 || len(parts[1]) != 32 || len(parts[2]) != 16 || len(parts[3]) != 2 {
		return Context{}, ErrMalformed
	}
	version, ok := hexByte(parts[0])
	if !ok {
		return Context{}, ErrMalformed
	}
	if version == 0xff {
		return Context{}, ErrVersion
	}
	// Version 00 has exactly four segments; later versions may append more.
	if version == 0 && len(parts) != 4 {
		return Context{}, ErrMalformed
	}
	if !isLowerHex(parts[1]) || !isLowerHex(parts[2]) {
		return Context{}, ErrMalformed
	}
	if parts[1] == strings.Repeat("0", 32) || parts[2] == strings.Repeat("0", 16) {
		return Context{}, ErrMalformed
	}
	flags, ok := hexByte(parts[3])
	if !ok {
		return Context{}, ErrMalformed
	}
	return Context{Version: version, TraceID: parts[1], SpanID: parts[2], Flags: flags}, nil
}

// Format renders the context back to header form. Parse(Format(c)) == c.
func (c Context) Format() string {
	return fmt.Sprintf("%02x-%s-%s-%02x", c.Version, c.TraceID, c.SpanID, c.Flags)
}

// Sampled reports whether the sampled flag bit is set.
func (c Context) Sampled() bool { return c.Flags&0x01 != 0 }

func isLowerHex(s string) bool {
	for i := 0; i < len(s); i++ {
		c := s[i]
		if (c < '0' || c > '9') && (c < 'a' || c > 'f') {
			return false
		}
	}
	return true
}

func hexByte(s string) (byte, bool) {
	if len(s) != 2 || !isLowerHex(s) {
		return 0, false
	}
	hi := hexVal(s[0])
	lo := hexVal(s[1])
	return hi<<4 | lo, true
}

func hexVal(c byte) byte {
	if c <= '9' {
		return c - '0'
	}
	return c - 'a' + 10
}
