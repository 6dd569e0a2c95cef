// Package mythproto implements the MythTV backend wire format: length-prefixed
// frames whose payload is a list of tokens joined by "[]:[]", plus the typed
// decoders and encoders for the scalar, timestamp and program fields carried
// in those tokens.
package mythproto

import (
	"bytes"
	"fmt"
	"strings"
	"time"

	"github.com/opdenkamp/xbmc-pvr-addons-sub004/internal/domain"
)

// Separator delimits tokens inside a frame payload.
const Separator = "[]:[]"

// LengthFieldSize is the width of the ASCII length prefix.
const LengthFieldSize = 8

// MaxPayload is the largest payload a length prefix can describe.
const MaxPayload = 99999999

// NoLimit disables truncation in SplitToken.
const NoLimit = -1

var (
	sep = []byte(Separator)

	errEndOfMessage = fmt.Errorf("no more tokens: %w", domain.ErrInvalidFormat)
)

// JoinTokens builds a payload from tokens.
func JoinTokens(tokens ...string) string {
	return strings.Join(tokens, Separator)
}

// EncodeFrame prefixes payload with its left-justified, space-padded length.
func EncodeFrame(payload string) ([]byte, error) {
	if len(payload) > MaxPayload {
		return nil, fmt.Errorf("payload of %d bytes: %w", len(payload), domain.ErrInvalidArgument)
	}
	frame := make([]byte, 0, LengthFieldSize+len(payload))
	frame = fmt.Appendf(frame, "%-8d", len(payload))
	frame = append(frame, payload...)
	return frame, nil
}

// SplitToken consumes one token from the first count bytes of buf.
//
// The token ends at the first separator or when count is exhausted. At most
// max bytes of the token are returned (NoLimit returns it whole); the rest is
// dropped silently. The returned consumed value counts every byte taken from
// buf, separator included, so callers can track the remaining payload. A zero
// count yields an empty token.
func SplitToken(buf []byte, count, max int) (token string, consumed int, err error) {
	if count < 0 {
		return "", 0, fmt.Errorf("token count %d: %w", count, domain.ErrInvalidArgument)
	}
	if count > len(buf) {
		count = len(buf)
	}

	data := buf[:count]
	end := bytes.Index(data, sep)
	consumed = count
	if end < 0 {
		end = count
	} else {
		consumed = end + len(sep)
	}

	tok := data[:end]
	if max >= 0 && len(tok) > max {
		tok = tok[:max]
	}
	return string(tok), consumed, nil
}

// SplitTokens decodes a whole payload into its token list.
func SplitTokens(payload []byte) []string {
	r := NewReader(payload, 0)
	var out []string
	for r.More() {
		tok, _ := r.Token()
		out = append(out, tok)
	}
	return out
}

// Reader walks the tokens of one received frame. Its version selects the
// encodings used by the versioned decoders.
type Reader struct {
	payload []byte
	off     int
	done    bool
	version int
}

// NewReader returns a Reader over payload for the given protocol version.
func NewReader(payload []byte, version int) *Reader {
	return &Reader{payload: payload, version: version}
}

// NewReaderTokens returns a Reader over the payload made of tokens.
func NewReaderTokens(version int, tokens ...string) *Reader {
	return NewReader([]byte(JoinTokens(tokens...)), version)
}

// Version is the protocol version used for versioned fields.
func (r *Reader) Version() int { return r.version }

// Remaining is the number of payload bytes not yet consumed.
func (r *Reader) Remaining() int { return len(r.payload) - r.off }

// TokensLeft is the number of tokens not yet consumed.
func (r *Reader) TokensLeft() int {
	if r.done {
		return 0
	}
	return bytes.Count(r.payload[r.off:], sep) + 1
}

// More reports whether another token can be read. A payload ending in a
// separator still has one (empty) token left.
func (r *Reader) More() bool { return !r.done }

// Token returns the next token.
func (r *Reader) Token() (string, error) {
	return r.TokenN(NoLimit)
}

// TokenN returns the next token truncated to max bytes.
func (r *Reader) TokenN(max int) (string, error) {
	if r.done {
		return "", fmt.Errorf("token at offset %d: %w", r.off, errEndOfMessage)
	}
	rest := r.payload[r.off:]
	tok, consumed, err := SplitToken(rest, len(rest), max)
	if err != nil {
		return "", err
	}
	if consumed < len(sep) || !bytes.HasSuffix(rest[:consumed], sep) {
		r.done = true
	}
	r.off += consumed
	return tok, nil
}

// Skip discards n tokens.
func (r *Reader) Skip(n int) error {
	for i := 0; i < n; i++ {
		if _, err := r.Token(); err != nil {
			return err
		}
	}
	return nil
}

// Rest returns all tokens not yet consumed.
func (r *Reader) Rest() []string {
	var out []string
	for r.More() {
		tok, _ := r.Token()
		out = append(out, tok)
	}
	return out
}

// Expect consumes one token and checks it against want, ignoring case.
func (r *Reader) Expect(want string) error {
	tok, err := r.Token()
	if err != nil {
		return err
	}
	if !strings.EqualFold(tok, want) {
		return fmt.Errorf("expected %q, got %q: %w", want, tok, domain.ErrUnexpectedResponse)
	}
	return nil
}

// Uint32 decodes the next token as an unsigned 32-bit integer.
func (r *Reader) Uint32() (uint32, error) {
	tok, err := r.Token()
	if err != nil {
		return 0, err
	}
	return ParseUint32(tok)
}

// Int32 decodes the next token as a signed 32-bit integer.
func (r *Reader) Int32() (int32, error) {
	tok, err := r.Token()
	if err != nil {
		return 0, err
	}
	return ParseInt32(tok)
}

// Uint16 decodes the next token as an unsigned 16-bit integer.
func (r *Reader) Uint16() (uint16, error) {
	tok, err := r.Token()
	if err != nil {
		return 0, err
	}
	return ParseUint16(tok)
}

// Int16 decodes the next token as a signed 16-bit integer.
func (r *Reader) Int16() (int16, error) {
	tok, err := r.Token()
	if err != nil {
		return 0, err
	}
	return ParseInt16(tok)
}

// Uint8 decodes the next token as an unsigned 8-bit integer.
func (r *Reader) Uint8() (uint8, error) {
	tok, err := r.Token()
	if err != nil {
		return 0, err
	}
	return ParseUint8(tok)
}

// Int8 decodes the next token as a signed 8-bit integer.
func (r *Reader) Int8() (int8, error) {
	tok, err := r.Token()
	if err != nil {
		return 0, err
	}
	return ParseInt8(tok)
}

// Bool decodes a "0"/"1" style token; any non-zero integer is true.
func (r *Reader) Bool() (bool, error) {
	v, err := r.Int32()
	return v != 0, err
}

// Int64 decodes a 64-bit value in the encoding used by the reader's
// version for most messages (split below Int64SingleTokenSince).
func (r *Reader) Int64() (int64, error) {
	return r.Int64Since(Int64SingleTokenSince)
}

// Int64Since decodes a 64-bit value from a message kind that switched to a
// single token at protocol version since. A since of zero forces the single
// token form regardless of the negotiated version.
func (r *Reader) Int64Since(since int) (int64, error) {
	if r.version >= since {
		tok, err := r.Token()
		if err != nil {
			return 0, err
		}
		return ParseInt64(tok)
	}
	hi, err := r.Token()
	if err != nil {
		return 0, err
	}
	lo, err := r.Token()
	if err != nil {
		return 0, err
	}
	return JoinInt64(hi, lo)
}

// Time decodes a timestamp token in the reader's version encoding.
func (r *Reader) Time() (time.Time, error) {
	tok, err := r.Token()
	if err != nil {
		return time.Time{}, err
	}
	return ParseTimestamp(tok, r.version)
}
