// Package mythfake is an in-process MythTV backend for tests. It speaks the
// real framing and handshake and answers requests through handlers keyed
// by command word.
package mythfake

import (
	"fmt"
	"net"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/opdenkamp/xbmc-pvr-addons-sub004/internal/adapters/secondary/mythproto"
)

// Handler answers one request. Returning nil sends no reply.
type Handler func(s *Session, tokens []string) []string

// Backend is a fake backend listening on a loopback port.
type Backend struct {
	ln net.Listener

	mu        sync.Mutex
	version   int
	refuse    bool
	handlers  map[string]Handler
	sessions  map[*Session]struct{}
	files     map[string][]byte
	transfers map[uint32]*transfer
	nextID    uint32
	accepted  int
	requests  []string
	closed    bool

	wg sync.WaitGroup
}

type transfer struct {
	id   uint32
	path string
	data *Session
	pos  int64
}

// Session is one accepted client socket.
type Session struct {
	b    *Backend
	nc   net.Conn
	conn *mythproto.Conn

	mu       sync.Mutex
	kind     string
	host     string
	deferred []func()
}

// Kind is the announced role: "Playback", "Monitor" or "FileTransfer".
func (s *Session) Kind() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.kind
}

// Version is the protocol version the session negotiated.
func (s *Session) Version() int { return s.conn.Version() }

// Backend returns the owning backend.
func (s *Session) Backend() *Backend { return s.b }

// Defer runs fn after the reply to the current request has been sent.
func (s *Session) Defer(fn func()) {
	s.mu.Lock()
	s.deferred = append(s.deferred, fn)
	s.mu.Unlock()
}

// Close drops the session's socket.
func (s *Session) Close() { _ = s.conn.Close() }

// Start listens on addr ("127.0.0.1:0" for tests) and serves version 91
// until SetVersion changes it.
func Start(addr string) (*Backend, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, err
	}
	b := &Backend{
		ln:        ln,
		version:   mythproto.MaxVersion,
		handlers:  make(map[string]Handler),
		sessions:  make(map[*Session]struct{}),
		files:     make(map[string][]byte),
		transfers: make(map[uint32]*transfer),
		nextID:    1,
	}
	b.wg.Add(1)
	go b.acceptLoop()
	return b, nil
}

// Addr is the listening address as host and port.
func (b *Backend) Addr() (string, int) {
	a := b.ln.Addr().(*net.TCPAddr)
	return a.IP.String(), a.Port
}

// SetVersion sets the only protocol version the backend accepts.
func (b *Backend) SetVersion(v int) {
	b.mu.Lock()
	b.version = v
	b.mu.Unlock()
}

// Version is the accepted protocol version.
func (b *Backend) Version() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.version
}

// Handle registers h for requests whose first word is cmd.
func (b *Backend) Handle(cmd string, h Handler) {
	b.mu.Lock()
	b.handlers[cmd] = h
	b.mu.Unlock()
}

// SetFile stores the content served for path.
func (b *Backend) SetFile(path string, data []byte) {
	b.mu.Lock()
	b.files[path] = append([]byte(nil), data...)
	b.mu.Unlock()
}

// AppendFile grows the content served for path.
func (b *Backend) AppendFile(path string, data []byte) {
	b.mu.Lock()
	b.files[path] = append(b.files[path], data...)
	b.mu.Unlock()
}

// FileSize is the current size of path.
func (b *Backend) FileSize(path string) int64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return int64(len(b.files[path]))
}

// SetRefuse makes the backend drop every new connection right away.
func (b *Backend) SetRefuse(refuse bool) {
	b.mu.Lock()
	b.refuse = refuse
	b.mu.Unlock()
}

// Accepted is the number of connections accepted so far.
func (b *Backend) Accepted() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.accepted
}

// Requests returns the first token of every request received, in order.
func (b *Backend) Requests() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]string(nil), b.requests...)
}

// CountRequests counts received requests starting with prefix.
func (b *Backend) CountRequests(prefix string) int {
	n := 0
	for _, r := range b.Requests() {
		if strings.HasPrefix(r, prefix) {
			n++
		}
	}
	return n
}

func (b *Backend) sessionsOf(kind string) []*Session {
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []*Session
	for s := range b.sessions {
		if kind == "" || s.Kind() == kind {
			out = append(out, s)
		}
	}
	return out
}

// Monitors is the number of connected event listeners.
func (b *Backend) Monitors() int { return len(b.sessionsOf("Monitor")) }

// Transfers is the number of open file-transfer data sockets.
func (b *Backend) Transfers() int { return len(b.sessionsOf("FileTransfer")) }

// PushEvent sends e to every event listener and reports how many got it.
func (b *Backend) PushEvent(e mythproto.Event) int {
	n := 0
	for _, s := range b.sessionsOf("Monitor") {
		if err := s.conn.Send(mythproto.EncodeEvent(s.Version(), e)...); err == nil {
			n++
		}
	}
	return n
}

// DropMonitors closes every event listener socket.
func (b *Backend) DropMonitors() {
	for _, s := range b.sessionsOf("Monitor") {
		s.Close()
	}
}

// DropPlayback closes every control socket.
func (b *Backend) DropPlayback() {
	for _, s := range b.sessionsOf("Playback") {
		s.Close()
	}
}

// Close stops listening and drops all sessions.
func (b *Backend) Close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	b.mu.Unlock()

	_ = b.ln.Close()
	for _, s := range b.sessionsOf("") {
		s.Close()
	}
	b.wg.Wait()
}

func (b *Backend) acceptLoop() {
	defer b.wg.Done()
	for {
		nc, err := b.ln.Accept()
		if err != nil {
			return
		}
		b.mu.Lock()
		b.accepted++
		refuse := b.refuse || b.closed
		b.mu.Unlock()
		if refuse {
			_ = nc.Close()
			continue
		}

		s := &Session{b: b, nc: nc, conn: mythproto.NewConn(nc, 5*time.Second)}
		b.mu.Lock()
		b.sessions[s] = struct{}{}
		b.mu.Unlock()

		b.wg.Add(1)
		go b.serve(s)
	}
}

func (b *Backend) serve(s *Session) {
	defer b.wg.Done()
	defer func() {
		b.mu.Lock()
		delete(b.sessions, s)
		b.mu.Unlock()
		s.Close()
	}()

	for {
		r, err := s.conn.WaitMessage()
		if err != nil {
			return
		}
		tokens := r.Rest()
		if len(tokens) == 0 {
			continue
		}
		b.mu.Lock()
		b.requests = append(b.requests, tokens[0])
		b.mu.Unlock()

		reply := b.dispatch(s, tokens)
		if reply != nil {
			if err := s.conn.Send(reply...); err != nil {
				return
			}
		}
		s.mu.Lock()
		deferred := s.deferred
		s.deferred = nil
		s.mu.Unlock()
		for _, fn := range deferred {
			fn()
		}
	}
}

func (b *Backend) dispatch(s *Session, tokens []string) []string {
	word, _, _ := strings.Cut(tokens[0], " ")
	switch word {
	case "MYTH_PROTO_VERSION":
		return b.handshake(s, tokens[0])
	case "ANN":
		return b.announce(s, tokens)
	case "QUERY_FILETRANSFER":
		return b.fileTransfer(tokens)
	case "DONE":
		s.Close()
		return nil
	}

	b.mu.Lock()
	h := b.handlers[word]
	b.mu.Unlock()
	if h == nil {
		return []string{"UNKNOWN_COMMAND"}
	}
	return h(s, tokens)
}

func (b *Backend) handshake(s *Session, req string) []string {
	var v int
	_, _ = fmt.Sscanf(req, "MYTH_PROTO_VERSION %d", &v)
	want := b.Version()
	if v != want {
		return []string{"REJECT", strconv.Itoa(want)}
	}
	s.conn.SetVersion(v)
	return []string{"ACCEPT", strconv.Itoa(v)}
}

func (b *Backend) announce(s *Session, tokens []string) []string {
	fields := strings.Fields(tokens[0])
	if len(fields) < 3 {
		return []string{"ERROR"}
	}
	s.mu.Lock()
	s.kind = fields[1]
	s.host = fields[2]
	s.mu.Unlock()

	if fields[1] != "FileTransfer" {
		return []string{"OK"}
	}
	if len(tokens) < 2 {
		return []string{"ERROR"}
	}
	path := tokens[1]

	b.mu.Lock()
	data, ok := b.files[path]
	if !ok {
		b.mu.Unlock()
		return []string{"ERROR", "file not found"}
	}
	t := &transfer{id: b.nextID, path: path, data: s}
	b.nextID++
	b.transfers[t.id] = t
	b.mu.Unlock()

	reply := []string{"OK", strconv.FormatUint(uint64(t.id), 10)}
	return append(reply, mythproto.EncodeInt64(s.Version(), mythproto.Int64SingleTokenSinceFileTransfer, int64(len(data)))...)
}

func (b *Backend) fileTransfer(tokens []string) []string {
	fields := strings.Fields(tokens[0])
	if len(fields) < 2 || len(tokens) < 2 {
		return []string{"ERROR"}
	}
	id, err := mythproto.ParseUint32(fields[1])
	if err != nil {
		return []string{"ERROR"}
	}
	b.mu.Lock()
	t := b.transfers[id]
	b.mu.Unlock()
	if t == nil {
		return []string{"ERROR"}
	}
	version := t.data.Version()

	switch tokens[1] {
	case "REQUEST_BLOCK":
		n, _ := strconv.Atoi(tokens[2])
		b.mu.Lock()
		data := b.files[t.path]
		start := min(t.pos, int64(len(data)))
		end := min(start+int64(n), int64(len(data)))
		chunk := append([]byte(nil), data[start:end]...)
		t.pos = end
		b.mu.Unlock()
		if len(chunk) > 0 {
			if _, err := t.data.nc.Write(chunk); err != nil {
				return []string{"-1"}
			}
		}
		return []string{strconv.Itoa(len(chunk))}

	case "SEEK":
		r := mythproto.NewReaderTokens(version, tokens[2:]...)
		offset, err := r.Int64Since(mythproto.Int64SingleTokenSinceFileTransfer)
		if err != nil {
			return []string{"-1"}
		}
		whence, err := r.Int32()
		if err != nil {
			return []string{"-1"}
		}
		b.mu.Lock()
		size := int64(len(b.files[t.path]))
		var pos int64
		switch whence {
		case 0:
			pos = offset
		case 1:
			pos = t.pos + offset
		case 2:
			pos = size + offset
		}
		if pos < 0 {
			b.mu.Unlock()
			return mythproto.EncodeInt64(version, mythproto.Int64SingleTokenSinceFileTransfer, -1)
		}
		t.pos = pos
		b.mu.Unlock()
		return mythproto.EncodeInt64(version, mythproto.Int64SingleTokenSinceFileTransfer, pos)

	case "DONE":
		b.mu.Lock()
		delete(b.transfers, id)
		b.mu.Unlock()
		return []string{"OK"}
	}
	return []string{"ERROR"}
}
