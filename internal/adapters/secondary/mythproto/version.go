package mythproto

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/opdenkamp/xbmc-pvr-addons-sub004/internal/domain"
)

// Supported protocol versions.
const (
	MinVersion = 8
	MaxVersion = 91
)

// Backends from version 62 on refuse a handshake that does not carry the
// token published for that version.
var versionTokens = map[int]string{
	62: "78B5631E",
	63: "3875641D",
	64: "8675309J",
	65: "D2BB94C2",
	66: "0C0FFEE0",
	67: "0G0G0G0",
	68: "90094EAD",
	69: "63835135",
	70: "53153836",
	71: "05e82186",
	72: "D78EFD6F",
	73: "D7FE8D6F",
	74: "SingingPotato",
	75: "SweetRock",
	76: "FireWilde",
	77: "WindMark",
	78: "IceBurns",
	79: "BasaltGiant",
	80: "TaDah!",
	81: "MultiRecDos",
	82: "IdIdO",
	83: "BreakingGlass",
	84: "CanaryCoalmine",
	85: "BluePool",
	86: "(ノಠ益ಠ)ノ彡┻━┻",
	87: "(ノಠ益ಠ)ノ彡┻━┻",
	88: "XmasGift",
	89: "BuzzingBee",
	90: "BuzzOff",
	91: "MyGoldenGate",
}

// VersionToken returns the handshake token for version v.
func VersionToken(v int) (string, bool) {
	tok, ok := versionTokens[v]
	return tok, ok
}

// Supported reports whether this client can speak version v.
func Supported(v int) bool {
	if v < MinVersion || v > MaxVersion {
		return false
	}
	if v >= 62 {
		_, ok := versionTokens[v]
		return ok
	}
	return true
}

// HandshakeRequest builds the version announcement for v.
func HandshakeRequest(v int) string {
	if tok, ok := versionTokens[v]; ok {
		return fmt.Sprintf("MYTH_PROTO_VERSION %d %s", v, tok)
	}
	return fmt.Sprintf("MYTH_PROTO_VERSION %d", v)
}

// Handshake announces version v on c. On ACCEPT the version is stored on c.
// On REJECT it reports the version the backend wants.
func Handshake(c *Conn, v int) (accepted bool, server int, err error) {
	r, err := c.Request(HandshakeRequest(v))
	if err != nil {
		return false, 0, fmt.Errorf("handshake: %w", err)
	}
	status, err := r.Token()
	if err != nil {
		return false, 0, fmt.Errorf("handshake status: %w", err)
	}
	if r.More() {
		if tok, _ := r.Token(); tok != "" {
			n, perr := strconv.Atoi(tok)
			if perr == nil {
				server = n
			}
		}
	}
	switch status {
	case "ACCEPT":
		if server == 0 {
			server = v
		}
		c.SetVersion(v)
		return true, server, nil
	case "REJECT":
		return false, server, nil
	default:
		return false, server, fmt.Errorf("handshake status %q: %w", status, domain.ErrUnexpectedResponse)
	}
}

// Negotiate dials addr and settles on a protocol version. It starts from
// want (MaxVersion when zero) and, if the backend rejects it, retries once
// on a fresh socket with the version the backend asked for.
func Negotiate(ctx context.Context, addr string, want int, timeout time.Duration) (*Conn, error) {
	if want == 0 {
		want = MaxVersion
	}
	c, err := Dial(ctx, addr, timeout)
	if err != nil {
		return nil, err
	}
	ok, server, err := Handshake(c, want)
	if err != nil {
		_ = c.Close()
		return nil, err
	}
	if ok {
		return c, nil
	}
	_ = c.Close()

	if server == 0 || server == want || !Supported(server) {
		return nil, fmt.Errorf("backend wants version %d: %w", server, domain.ErrProtocolRejected)
	}
	c, err = Dial(ctx, addr, timeout)
	if err != nil {
		return nil, err
	}
	ok, _, err = Handshake(c, server)
	if err != nil {
		_ = c.Close()
		return nil, err
	}
	if !ok {
		_ = c.Close()
		return nil, fmt.Errorf("version %d: %w", server, domain.ErrProtocolRejected)
	}
	return c, nil
}

// AnnouncePlayback registers c as a playback (control) client.
func AnnouncePlayback(c *Conn, host string) error {
	return announce(c, fmt.Sprintf("ANN Playback %s 0", host))
}

// AnnounceMonitor registers c as an event listener.
func AnnounceMonitor(c *Conn, host string) error {
	return announce(c, fmt.Sprintf("ANN Monitor %s 1", host))
}

func announce(c *Conn, req string) error {
	r, err := c.Request(req)
	if err != nil {
		return fmt.Errorf("announce: %w", err)
	}
	if err := r.Expect("OK"); err != nil {
		return fmt.Errorf("announce: %w", err)
	}
	return nil
}

// FileTransferTimeout is the backend-side read timeout requested for data
// sockets, in milliseconds.
const FileTransferTimeout = 2000

// AnnounceFileTransfer registers c as a data socket for path in storage
// group sg and returns the transfer id and the current file size.
func AnnounceFileTransfer(c *Conn, host, path, sg string) (id uint32, size int64, err error) {
	var tokens []string
	if c.Version() >= 44 {
		tokens = []string{
			fmt.Sprintf("ANN FileTransfer %s 0 0 %d", host, FileTransferTimeout),
			path,
			sg,
		}
	} else {
		tokens = []string{fmt.Sprintf("ANN FileTransfer %s", host), path}
	}
	r, err := c.Request(tokens...)
	if err != nil {
		return 0, 0, fmt.Errorf("announce file transfer: %w", err)
	}
	if err := r.Expect("OK"); err != nil {
		return 0, 0, fmt.Errorf("announce file transfer %s: %w", path, errors.Join(err, domain.ErrNotFound))
	}
	if id, err = r.Uint32(); err != nil {
		return 0, 0, fmt.Errorf("file transfer id: %w", err)
	}
	if size, err = r.Int64Since(Int64SingleTokenSinceFileTransfer); err != nil {
		return 0, 0, fmt.Errorf("file transfer size: %w", err)
	}
	return id, size, nil
}
