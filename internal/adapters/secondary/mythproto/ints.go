package mythproto

import (
	"errors"
	"fmt"
	"strconv"

	"github.com/opdenkamp/xbmc-pvr-addons-sub004/internal/domain"
)

// Protocol versions at which 64-bit values moved from a (high, low) pair of
// 32-bit tokens to a single decimal token. File-transfer and bookmark
// messages switched later than the rest.
const (
	Int64SingleTokenSince             = 57
	Int64SingleTokenSinceFileTransfer = 66
)

// ParseUint32 decodes a base-10 unsigned 32-bit integer.
func ParseUint32(s string) (uint32, error) {
	v, err := parseUnsigned(s, 32)
	return uint32(v), err
}

// ParseUint16 decodes a base-10 unsigned 16-bit integer.
func ParseUint16(s string) (uint16, error) {
	v, err := parseUnsigned(s, 16)
	return uint16(v), err
}

// ParseUint8 decodes a base-10 unsigned 8-bit integer.
func ParseUint8(s string) (uint8, error) {
	v, err := parseUnsigned(s, 8)
	return uint8(v), err
}

// ParseInt64 decodes a base-10, optionally signed 64-bit integer.
func ParseInt64(s string) (int64, error) {
	return parseSigned(s, 64)
}

// ParseInt32 decodes a base-10, optionally signed 32-bit integer.
func ParseInt32(s string) (int32, error) {
	v, err := parseSigned(s, 32)
	return int32(v), err
}

// ParseInt16 decodes a base-10, optionally signed 16-bit integer.
func ParseInt16(s string) (int16, error) {
	v, err := parseSigned(s, 16)
	return int16(v), err
}

// ParseInt8 decodes a base-10, optionally signed 8-bit integer.
func ParseInt8(s string) (int8, error) {
	v, err := parseSigned(s, 8)
	return int8(v), err
}

func parseUnsigned(s string, bits int) (uint64, error) {
	v, err := strconv.ParseUint(s, 10, bits)
	if err != nil {
		return 0, numError(s, bits, err)
	}
	return v, nil
}

func parseSigned(s string, bits int) (int64, error) {
	v, err := strconv.ParseInt(s, 10, bits)
	if err != nil {
		return 0, numError(s, bits, err)
	}
	return v, nil
}

// numError maps strconv failures onto the protocol decode errors. Out-of-range
// values are reported instead of being truncated to the target width.
func numError(s string, bits int, err error) error {
	var ne *strconv.NumError
	if errors.As(err, &ne) && errors.Is(ne.Err, strconv.ErrRange) {
		return fmt.Errorf("%q as %d-bit integer: %w", s, bits, domain.ErrOutOfRange)
	}
	return fmt.Errorf("%q as %d-bit integer: %w", s, bits, domain.ErrInvalidFormat)
}

// JoinInt64 combines the legacy (high, low) token pair into one value. The low
// half is accepted in either its signed or unsigned 32-bit spelling.
func JoinInt64(hi, lo string) (int64, error) {
	h, err := ParseInt32(hi)
	if err != nil {
		return 0, fmt.Errorf("high word: %w", err)
	}
	l, err := strconv.ParseInt(lo, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("low word: %w", numError(lo, 32, err))
	}
	if l < -1<<31 || l > 1<<32-1 {
		return 0, fmt.Errorf("low word %q: %w", lo, domain.ErrOutOfRange)
	}
	return int64(h)<<32 | int64(uint32(l)), nil
}

// SplitInt64 returns the legacy (high, low) tokens for v.
func SplitInt64(v int64) (hi, lo string) {
	return strconv.FormatInt(int64(int32(v>>32)), 10), strconv.FormatUint(uint64(uint32(v)), 10)
}

// EncodeInt64 returns the tokens carrying v for a message kind that switched
// to a single token at version since.
func EncodeInt64(version, since int, v int64) []string {
	if version >= since {
		return []string{strconv.FormatInt(v, 10)}
	}
	hi, lo := SplitInt64(v)
	return []string{hi, lo}
}
