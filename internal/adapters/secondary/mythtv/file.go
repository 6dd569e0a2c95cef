package mythtv

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strconv"
	"sync/atomic"

	"github.com/opdenkamp/xbmc-pvr-addons-sub004/internal/adapters/secondary/mythproto"
	"github.com/opdenkamp/xbmc-pvr-addons-sub004/internal/domain"
	"github.com/opdenkamp/xbmc-pvr-addons-sub004/internal/infrastructure/syncutil"
)

// MaxBlockSize caps a single REQUEST_BLOCK.
const MaxBlockSize = 64 * 1024

// File streams one backend file over a dedicated data socket. Block
// requests and seeks travel on the file's own control socket, so reads are
// never queued behind control operations of the Connection.
type File struct {
	path string
	sg   string
	log  *slog.Logger

	// set for recordings opened by program
	uid        string
	recordedID uint32

	mu     syncutil.Mutex
	ctrl   *mythproto.Conn
	data   *mythproto.Conn
	id     uint32
	pos    int64
	closed bool

	length atomic.Int64
}

var _ io.ReadSeekCloser = (*File)(nil)

func openFile(ctx context.Context, c *Connection, path, sg string) (*File, error) {
	ctrl, err := c.dial(ctx)
	if err != nil {
		return nil, fmt.Errorf("file control connection: %w", err)
	}
	data, err := mythproto.Negotiate(ctx, c.opts.Addr(), ctrl.Version(), c.opts.Timeout)
	if err != nil {
		_ = ctrl.Close()
		return nil, fmt.Errorf("file data connection: %w", err)
	}
	id, size, err := mythproto.AnnounceFileTransfer(data, c.opts.ClientName, path, sg)
	if err != nil {
		_ = ctrl.Close()
		_ = data.Close()
		return nil, err
	}
	f := &File{
		path: path,
		sg:   sg,
		log:  c.opts.Logger.With(slog.String("component", "file"), slog.String("path", path)),
		ctrl: ctrl,
		data: data,
		id:   id,
	}
	f.length.Store(size)
	f.log.Debug("file transfer opened", slog.Uint64("id", uint64(id)), slog.Int64("size", size))
	return f, nil
}

// Path is the backend path of the file.
func (f *File) Path() string { return f.path }

// StorageGroup is the storage group the file was resolved in.
func (f *File) StorageGroup() string { return f.sg }

// UID identifies the recording the file belongs to, or "" for plain paths.
func (f *File) UID() string { return f.uid }

// RecordedID is the recording's id when the file was opened by program.
func (f *File) RecordedID() uint32 { return f.recordedID }

// TransferID is the backend's id for this transfer.
func (f *File) TransferID() uint32 { return f.id }

// Length is the latest known size of the file.
func (f *File) Length() int64 { return f.length.Load() }

// UpdateLength records the authoritative size reported by the backend.
func (f *File) UpdateLength(n int64) {
	if n >= 0 {
		f.length.Store(n)
	}
}

// Position is the current read offset.
func (f *File) Position() int64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.pos
}

func (f *File) command() string {
	return "QUERY_FILETRANSFER " + strconv.FormatUint(uint64(f.id), 10)
}

// Read requests up to len(p) bytes. It returns io.EOF when the backend has
// no more data, which for a live file means none has been written yet.
func (f *File) Read(p []byte) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return 0, fmt.Errorf("read %s: %w", f.path, domain.ErrConnection)
	}
	if len(p) == 0 {
		return 0, nil
	}
	want := min(len(p), MaxBlockSize)

	r, err := f.ctrl.Request(f.command(), "REQUEST_BLOCK", strconv.Itoa(want))
	if err != nil {
		return 0, fmt.Errorf("request block: %w", err)
	}
	got, err := r.Int32()
	if err != nil {
		f.ctrl.MarkHung()
		return 0, fmt.Errorf("request block: %w", err)
	}
	if got < 0 || int(got) > want {
		f.ctrl.MarkHung()
		return 0, fmt.Errorf("request block returned %d: %w", got, domain.ErrUnexpectedResponse)
	}
	if got == 0 {
		return 0, io.EOF
	}
	n, err := f.data.ReadRaw(p[:got])
	f.pos += int64(n)
	if err != nil {
		return n, fmt.Errorf("read block: %w", err)
	}
	return n, nil
}

// Seek repositions the backend's read offset.
func (f *File) Seek(offset int64, whence int) (int64, error) {
	if whence != io.SeekStart && whence != io.SeekCurrent && whence != io.SeekEnd {
		return 0, fmt.Errorf("whence %d: %w", whence, domain.ErrInvalidArgument)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return 0, fmt.Errorf("seek %s: %w", f.path, domain.ErrConnection)
	}

	v := f.ctrl.Version()
	since := mythproto.Int64SingleTokenSinceFileTransfer
	tokens := []string{f.command(), "SEEK"}
	tokens = append(tokens, mythproto.EncodeInt64(v, since, offset)...)
	tokens = append(tokens, strconv.Itoa(whence))
	tokens = append(tokens, mythproto.EncodeInt64(v, since, f.pos)...)

	r, err := f.ctrl.Request(tokens...)
	if err != nil {
		return 0, fmt.Errorf("seek: %w", err)
	}
	pos, err := r.Int64Since(since)
	if err != nil {
		return 0, fmt.Errorf("seek: %w", err)
	}
	if pos < 0 {
		return f.pos, fmt.Errorf("seek to %d: %w", offset, domain.ErrInvalidArgument)
	}
	f.pos = pos
	return pos, nil
}

// Close ends the transfer and closes both sockets. It is safe to call more
// than once.
func (f *File) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return nil
	}
	f.closed = true
	if !f.ctrl.Hung() {
		if r, err := f.ctrl.Request(f.command(), "DONE"); err == nil {
			if err := r.Expect("OK"); err != nil {
				f.log.Debug("transfer done not acknowledged", slog.Any("error", err))
			}
		}
	}
	return errors.Join(f.data.Close(), f.ctrl.Close())
}
