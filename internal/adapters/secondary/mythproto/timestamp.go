package mythproto

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/opdenkamp/xbmc-pvr-addons-sub004/internal/domain"
)

// UnixTimestampSince is the first protocol version sending timestamps as
// decimal Unix time instead of ISO strings.
const UnixTimestampSince = 14

const isoLayout = "2006-01-02T15:04:05"

// ParseTimestamp decodes a timestamp token as sent by a backend speaking
// version. An empty token is the zero time.
func ParseTimestamp(tok string, version int) (time.Time, error) {
	if tok == "" {
		return time.Time{}, nil
	}
	if version >= UnixTimestampSince {
		sec, err := ParseInt64(tok)
		if err != nil {
			return time.Time{}, fmt.Errorf("timestamp: %w", err)
		}
		return time.Unix(sec, 0), nil
	}
	return parseISO(tok)
}

// ParseAnyTimestamp accepts either encoding. Event payloads carry ISO
// strings on backends that otherwise send Unix time.
func ParseAnyTimestamp(tok string) (time.Time, error) {
	if tok == "" {
		return time.Time{}, nil
	}
	if isDecimal(tok) {
		return ParseTimestamp(tok, UnixTimestampSince)
	}
	return parseISO(tok)
}

// FormatTimestamp encodes t for a backend speaking version.
func FormatTimestamp(t time.Time, version int) string {
	if version >= UnixTimestampSince {
		return strconv.FormatInt(t.Unix(), 10)
	}
	return t.Local().Format(isoLayout)
}

// FormatISO encodes t the way command arguments name a recording start.
func FormatISO(t time.Time) string {
	return t.UTC().Format(isoLayout) + "Z"
}

func parseISO(tok string) (time.Time, error) {
	s := strings.Replace(tok, " ", "T", 1)
	loc := time.Local
	if strings.HasSuffix(s, "Z") {
		s = strings.TrimSuffix(s, "Z")
		loc = time.UTC
	}
	t, err := time.ParseInLocation(isoLayout, s, loc)
	if err != nil {
		return time.Time{}, fmt.Errorf("timestamp %q: %w", tok, domain.ErrInvalidFormat)
	}
	return t, nil
}

func isDecimal(s string) bool {
	if strings.HasPrefix(s, "-") {
		s = s[1:]
	}
	if s == "" {
		return false
	}
	for i := 0; i < len(s); i++ {
		if s[i] < '0' || s[i] > '9' {
			return false
		}
	}
	return true
}
