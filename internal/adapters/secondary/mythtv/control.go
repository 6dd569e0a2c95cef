package mythtv

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/opdenkamp/xbmc-pvr-addons-sub004/internal/adapters/secondary/mythproto"
	"github.com/opdenkamp/xbmc-pvr-addons-sub004/internal/domain"
	"github.com/opdenkamp/xbmc-pvr-addons-sub004/internal/ports"
)

// Protocol versions at which control commands changed shape.
const (
	deleteByTimeslotSince    = 41
	recordingsAscendingSince = 65
	rescheduleMatchSince     = 73
)

var _ ports.MythClient = (*Connection)(nil)

// Setting reads one backend setting for host.
func (c *Connection) Setting(ctx context.Context, host, key string) (string, error) {
	var value string
	err := c.request(ctx, "QUERY_SETTING", func(r *mythproto.Reader) error {
		v, err := r.Token()
		if err != nil {
			return err
		}
		if v == "-1" {
			return fmt.Errorf("setting %s on %s: %w", key, host, domain.ErrNotFound)
		}
		value = v
		return nil
	}, fmt.Sprintf("QUERY_SETTING %s %s", host, key))
	return value, err
}

// FreeRecorder asks the backend for any idle recorder.
func (c *Connection) FreeRecorder(ctx context.Context) (*Recorder, error) {
	var id int32
	err := c.request(ctx, "GET_FREE_RECORDER", func(r *mythproto.Reader) error {
		v, err := r.Int32()
		id = v
		return err
	}, "GET_FREE_RECORDER")
	if err != nil {
		return nil, err
	}
	if id <= 0 {
		return nil, fmt.Errorf("free recorder: %w", domain.ErrRecorderUnavailable)
	}
	return c.Recorder(uint32(id)), nil
}

// FreeRecorderIDs lists the ids of all idle recorders.
func (c *Connection) FreeRecorderIDs(ctx context.Context) ([]uint32, error) {
	var ids []uint32
	err := c.request(ctx, "GET_FREE_RECORDER_LIST", func(r *mythproto.Reader) error {
		for r.More() {
			id, err := r.Uint32()
			if err != nil {
				return err
			}
			if id != 0 {
				ids = append(ids, id)
			}
		}
		return nil
	}, "GET_FREE_RECORDER_LIST")
	return ids, err
}

// RecorderFromNum checks that recorder id exists and returns its handle.
func (c *Connection) RecorderFromNum(ctx context.Context, id uint32) (*Recorder, error) {
	err := c.request(ctx, "GET_RECORDER_FROM_NUM", func(r *mythproto.Reader) error {
		host, err := r.Token()
		if err != nil {
			return err
		}
		if host == "nohost" || host == "" {
			return fmt.Errorf("recorder %d: %w", id, domain.ErrNotFound)
		}
		return nil
	}, "GET_RECORDER_FROM_NUM", strconv.FormatUint(uint64(id), 10))
	if err != nil {
		return nil, err
	}
	return c.Recorder(id), nil
}

// Recorder returns the shared handle for recorder id without a round trip.
// Every caller asking for the same id gets the same handle.
func (c *Connection) Recorder(id uint32) *Recorder {
	c.recMu.Lock()
	defer c.recMu.Unlock()
	if rec, ok := c.recorders[id]; ok {
		return rec
	}
	rec := newRecorder(c, id)
	c.recorders[id] = rec
	return rec
}

// Tuners wraps the idle recorders for live TV.
func (c *Connection) Tuners(ctx context.Context) ([]ports.Tuner, error) {
	ids, err := c.FreeRecorderIDs(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]ports.Tuner, 0, len(ids))
	for _, id := range ids {
		out = append(out, c.Recorder(id))
	}
	return out, nil
}

// DriveSpace reports the backend's storage totals in kilobytes.
func (c *Connection) DriveSpace(ctx context.Context) (domain.DriveSpace, error) {
	var ds domain.DriveSpace
	err := c.request(ctx, "QUERY_FREE_SPACE_SUMMARY", func(r *mythproto.Reader) error {
		var err error
		if ds.Total, err = r.Int64(); err != nil {
			return err
		}
		ds.Used, err = r.Int64()
		return err
	}, "QUERY_FREE_SPACE_SUMMARY")
	return ds, err
}

// Recordings lists all recordings, oldest first.
func (c *Connection) Recordings(ctx context.Context) ([]*domain.Program, error) {
	var out []*domain.Program
	err := c.call(ctx, "QUERY_RECORDINGS", func(conn *mythproto.Conn) error {
		order := "Play"
		if conn.Version() >= recordingsAscendingSince {
			order = "Ascending"
		}
		r, err := conn.Request("QUERY_RECORDINGS " + order)
		if err != nil {
			return err
		}
		n, err := r.Int32()
		if err != nil {
			return err
		}
		// a count the payload cannot hold is corrupt
		if n > 0 && int64(n)*int64(mythproto.ProgramTokens(r.Version())) > int64(r.TokensLeft()) {
			return fmt.Errorf("%d recordings in %d tokens: %w", n, r.TokensLeft(), domain.ErrInvalidFormat)
		}
		out = make([]*domain.Program, 0, max(n, 0))
		for i := int32(0); i < n; i++ {
			p, err := mythproto.DecodeProgram(r)
			if err != nil {
				return fmt.Errorf("recording %d: %w", i, err)
			}
			out = append(out, p)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// Recording looks up one recording by channel and recording start.
func (c *Connection) Recording(ctx context.Context, chanID uint32, recStart time.Time) (*domain.Program, error) {
	var p *domain.Program
	err := c.request(ctx, "QUERY_RECORDING", func(r *mythproto.Reader) error {
		status, err := r.Token()
		if err != nil {
			return err
		}
		if !strings.EqualFold(status, "OK") {
			return fmt.Errorf("recording %s: %w", domain.RecordingUID(chanID, recStart), domain.ErrNotFound)
		}
		p, err = mythproto.DecodeProgram(r)
		return err
	}, fmt.Sprintf("QUERY_RECORDING TIMESLOT %d %s", chanID, mythproto.FormatISO(recStart)))
	return p, err
}

// DeleteRecording asks the backend to delete p. With force the backend
// drops the database entry even when the file is missing.
func (c *Connection) DeleteRecording(ctx context.Context, p *domain.Program, force bool) error {
	if p == nil {
		return fmt.Errorf("delete recording: %w", domain.ErrInvalidArgument)
	}
	return c.call(ctx, "DELETE_RECORDING", func(conn *mythproto.Conn) error {
		var tokens []string
		if conn.Version() >= deleteByTimeslotSince {
			cmd := fmt.Sprintf("DELETE_RECORDING %d %s", p.ChanID, mythproto.FormatISO(p.RecStart))
			if force {
				cmd += " FORCE"
			}
			tokens = []string{cmd}
		} else {
			cmd := "DELETE_RECORDING"
			if force {
				cmd = "FORCE_DELETE_RECORDING"
			}
			tokens = append([]string{cmd}, mythproto.EncodeProgram(conn.Version(), p)...)
		}
		r, err := conn.Request(tokens...)
		if err != nil {
			return err
		}
		v, err := r.Int32()
		if err != nil {
			return err
		}
		if v < 0 {
			return fmt.Errorf("delete %s returned %d: %w", p.UID(), v, domain.ErrUnexpectedResponse)
		}
		return nil
	})
}

// Bookmark returns the bookmark frame of p.
func (c *Connection) Bookmark(ctx context.Context, p *domain.Program) (int64, error) {
	if p == nil {
		return 0, fmt.Errorf("bookmark: %w", domain.ErrInvalidArgument)
	}
	var frame int64
	err := c.call(ctx, "QUERY_BOOKMARK", func(conn *mythproto.Conn) error {
		r, err := conn.Request(fmt.Sprintf("QUERY_BOOKMARK %d %s",
			p.ChanID, mythproto.FormatTimestamp(p.RecStart, conn.Version())))
		if err != nil {
			return err
		}
		frame, err = r.Int64Since(mythproto.Int64SingleTokenSinceFileTransfer)
		return err
	})
	return frame, err
}

// SetBookmark stores the bookmark frame of p.
func (c *Connection) SetBookmark(ctx context.Context, p *domain.Program, frame int64) error {
	if p == nil || frame < 0 {
		return fmt.Errorf("set bookmark: %w", domain.ErrInvalidArgument)
	}
	return c.call(ctx, "SET_BOOKMARK", func(conn *mythproto.Conn) error {
		v := conn.Version()
		cmd := fmt.Sprintf("SET_BOOKMARK %d %s %s", p.ChanID, mythproto.FormatTimestamp(p.RecStart, v),
			strings.Join(mythproto.EncodeInt64(v, mythproto.Int64SingleTokenSinceFileTransfer, frame), " "))
		r, err := conn.Request(cmd)
		if err != nil {
			return err
		}
		return r.Expect("OK")
	})
}

// RescheduleRecordings asks the scheduler to re-evaluate rule recordID, or
// every rule when recordID is zero.
func (c *Connection) RescheduleRecordings(ctx context.Context, recordID uint32) error {
	return c.call(ctx, "RESCHEDULE_RECORDINGS", func(conn *mythproto.Conn) error {
		var tokens []string
		if conn.Version() >= rescheduleMatchSince {
			tokens = []string{"RESCHEDULE_RECORDINGS",
				fmt.Sprintf("MATCH %d 0 0 - %s", recordID, c.opts.ClientName)}
		} else {
			id := int64(recordID)
			if recordID == 0 {
				id = -1
			}
			tokens = []string{fmt.Sprintf("RESCHEDULE_RECORDINGS %d", id)}
		}
		r, err := conn.Request(tokens...)
		if err != nil {
			return err
		}
		ok, err := r.Bool()
		if err != nil {
			return err
		}
		if !ok {
			return fmt.Errorf("reschedule %d: %w", recordID, domain.ErrUnexpectedResponse)
		}
		return nil
	})
}

// StorageGroupFiles lists the files of storage group sg on host. Entries
// are "file::<name>::<size>"; directories are skipped.
func (c *Connection) StorageGroupFiles(ctx context.Context, host, sg string) ([]domain.StorageGroupFile, error) {
	var files []domain.StorageGroupFile
	err := c.request(ctx, "QUERY_SG_GETFILELIST", func(r *mythproto.Reader) error {
		for _, entry := range r.Rest() {
			kind, rest, _ := strings.Cut(entry, "::")
			if kind != "file" {
				continue
			}
			name, sizeTok, _ := strings.Cut(rest, "::")
			f := domain.StorageGroupFile{Path: name}
			if sizeTok != "" {
				size, err := mythproto.ParseInt64(sizeTok)
				if err != nil {
					return fmt.Errorf("size of %s: %w", name, err)
				}
				f.Size = size
			}
			files = append(files, f)
		}
		return nil
	}, "QUERY_SG_GETFILELIST", host, sg, "", "0")
	return files, err
}

// StorageGroupFile looks up one file in storage group sg on host.
func (c *Connection) StorageGroupFile(ctx context.Context, host, sg, name string) (domain.StorageGroupFile, error) {
	var f domain.StorageGroupFile
	err := c.request(ctx, "QUERY_SG_FILEQUERY", func(r *mythproto.Reader) error {
		path, err := r.Token()
		if err != nil {
			return err
		}
		if strings.HasPrefix(path, "EMPTY LIST") || strings.HasPrefix(path, "SLAVE UNREACHABLE") {
			return fmt.Errorf("%s in %s: %w", name, sg, domain.ErrNotFound)
		}
		f.Path = path
		// the modification time is always epoch seconds here
		modTok, err := r.Token()
		if err != nil {
			return err
		}
		if f.Modified, err = mythproto.ParseAnyTimestamp(modTok); err != nil {
			return err
		}
		f.Size, err = r.Int64Since(0)
		return err
	}, "QUERY_SG_FILEQUERY", host, sg, name)
	return f, err
}

// ConnectFile opens a file transfer for the recording p.
func (c *Connection) ConnectFile(ctx context.Context, p *domain.Program) (*File, error) {
	if p == nil || p.Pathname == "" {
		return nil, fmt.Errorf("connect file: %w", domain.ErrInvalidArgument)
	}
	sg := p.StorageGroup
	if sg == "" {
		sg = "Default"
	}
	f, err := c.ConnectPath(ctx, fileName(p.Pathname), sg)
	if err != nil {
		return nil, err
	}
	f.uid = p.UID()
	f.recordedID = p.RecordedID
	return f, nil
}

// ConnectPath opens a file transfer for path in storage group sg.
func (c *Connection) ConnectPath(ctx context.Context, path, sg string) (*File, error) {
	return openFile(ctx, c, path, sg)
}

// fileName strips a myth:// URL down to the path the backend expects.
func fileName(pathname string) string {
	if rest, ok := strings.CutPrefix(pathname, "myth://"); ok {
		if i := strings.IndexByte(rest, '/'); i >= 0 {
			return rest[i:]
		}
	}
	return pathname
}
