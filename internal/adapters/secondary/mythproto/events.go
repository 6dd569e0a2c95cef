package mythproto

import (
	"fmt"
	"strings"
	"time"

	"github.com/opdenkamp/xbmc-pvr-addons-sub004/internal/domain"
)

// Event is one asynchronous backend notification. The set of variants is
// closed; anything the decoder does not recognize becomes UnknownEvent.
type Event interface {
	eventName() string
}

// CloseEvent reports that the backend is closing the event connection.
type CloseEvent struct{}

// RecordingListChangeEvent reports a change in the recording list. Kind
// ChangeInvalidate means the whole list must be reloaded.
type RecordingListChangeEvent struct {
	Kind     domain.ChangeKind
	ChanID   uint32
	RecStart time.Time
	Program  *domain.Program
}

// ScheduleChangeEvent reports that the schedule was modified.
type ScheduleChangeEvent struct{}

// DoneRecordingEvent reports that a recorder finished its current segment.
type DoneRecordingEvent struct {
	CardID  uint32
	Seconds int32
	Frames  int64
}

// LiveTVWatchEvent reports a change in the watching state of a recorder.
type LiveTVWatchEvent struct {
	CardID   uint32
	Watching bool
}

// LiveTVChainUpdateEvent reports that a live-TV chain gained a segment.
type LiveTVChainUpdateEvent struct {
	ChainID string
}

// SignalEvent carries a tuner signal report.
type SignalEvent struct {
	CardID uint32
	Status domain.SignalStatus
}

// AskRecordingEvent announces that a recorder is about to be taken over by
// a scheduled recording.
type AskRecordingEvent struct {
	CardID          uint32
	TimeUntil       int32
	HasRecording    bool
	HasLaterShowing bool
	Program         *domain.Program
}

// UpdateFileSizeEvent reports the current size of a growing recording. Newer
// backends address the file by RecordedID, older ones by ChanID and RecStart.
type UpdateFileSizeEvent struct {
	RecordedID uint32
	ChanID     uint32
	RecStart   time.Time
	Size       int64
}

// UID identifies the addressed file when it is named by channel and start.
func (e UpdateFileSizeEvent) UID() string {
	return domain.RecordingUID(e.ChanID, e.RecStart)
}

// UnknownEvent is a message the decoder does not handle.
type UnknownEvent struct {
	Message string
}

func (CloseEvent) eventName() string               { return "CLOSE" }
func (RecordingListChangeEvent) eventName() string { return "RECORDING_LIST_CHANGE" }
func (ScheduleChangeEvent) eventName() string      { return "SCHEDULE_CHANGE" }
func (DoneRecordingEvent) eventName() string       { return "DONE_RECORDING" }
func (LiveTVWatchEvent) eventName() string         { return "LIVETV_WATCH" }
func (LiveTVChainUpdateEvent) eventName() string   { return "LIVETV_CHAIN_UPDATE" }
func (SignalEvent) eventName() string              { return "SIGNAL" }
func (AskRecordingEvent) eventName() string        { return "ASK_RECORDING" }
func (UpdateFileSizeEvent) eventName() string      { return "UPDATE_FILE_SIZE" }
func (UnknownEvent) eventName() string             { return "UNKNOWN" }

// EventName returns the wire name of the event kind.
func EventName(e Event) string { return e.eventName() }

// DecodeEvent decodes one message received on a monitor connection.
func DecodeEvent(r *Reader) (Event, error) {
	if err := r.Expect("BACKEND_MESSAGE"); err != nil {
		return nil, err
	}
	msg, err := r.Token()
	if err != nil {
		return nil, err
	}
	fields := strings.Fields(msg)
	if len(fields) == 0 {
		return UnknownEvent{Message: msg}, nil
	}

	switch fields[0] {
	case "CLOSE", "CLOSE_EVENT":
		return CloseEvent{}, nil
	case "SCHEDULE_CHANGE":
		return ScheduleChangeEvent{}, nil
	case "RECORDING_LIST_CHANGE":
		return decodeRecordingListChange(fields[1:], r)
	case "DONE_RECORDING":
		return decodeDoneRecording(fields[1:])
	case "LIVETV_WATCH":
		return decodeLiveTVWatch(fields[1:])
	case "LIVETV_CHAIN":
		if len(fields) >= 3 && fields[1] == "UPDATE" {
			return LiveTVChainUpdateEvent{ChainID: fields[2]}, nil
		}
		return UnknownEvent{Message: msg}, nil
	case "SIGNAL":
		return decodeSignal(fields[1:], r)
	case "ASK_RECORDING":
		return decodeAskRecording(fields[1:], r)
	case "UPDATE_FILE_SIZE":
		return decodeUpdateFileSize(fields[1:])
	default:
		return UnknownEvent{Message: msg}, nil
	}
}

func decodeRecordingListChange(args []string, r *Reader) (Event, error) {
	if len(args) == 0 {
		return RecordingListChangeEvent{Kind: domain.ChangeInvalidate}, nil
	}
	switch args[0] {
	case "ADD", "DELETE":
		if len(args) < 3 {
			return nil, fmt.Errorf("RECORDING_LIST_CHANGE %s needs chanid and start: %w", args[0], domain.ErrInvalidFormat)
		}
		chanID, err := ParseUint32(args[1])
		if err != nil {
			return nil, fmt.Errorf("RECORDING_LIST_CHANGE chanid: %w", err)
		}
		start, err := ParseAnyTimestamp(args[2])
		if err != nil {
			return nil, fmt.Errorf("RECORDING_LIST_CHANGE start: %w", err)
		}
		kind := domain.ChangeAdd
		if args[0] == "DELETE" {
			kind = domain.ChangeDelete
		}
		return RecordingListChangeEvent{Kind: kind, ChanID: chanID, RecStart: start}, nil
	case "UPDATE":
		prog, err := DecodeProgram(r)
		if err != nil {
			return nil, fmt.Errorf("RECORDING_LIST_CHANGE UPDATE: %w", err)
		}
		return RecordingListChangeEvent{
			Kind:     domain.ChangeUpdate,
			ChanID:   prog.ChanID,
			RecStart: prog.RecStart,
			Program:  prog,
		}, nil
	default:
		return RecordingListChangeEvent{Kind: domain.ChangeInvalidate}, nil
	}
}

func decodeDoneRecording(args []string) (Event, error) {
	if len(args) < 3 {
		return nil, fmt.Errorf("DONE_RECORDING needs 3 arguments: %w", domain.ErrInvalidFormat)
	}
	card, err := ParseUint32(args[0])
	if err != nil {
		return nil, fmt.Errorf("DONE_RECORDING card: %w", err)
	}
	secs, err := ParseInt32(args[1])
	if err != nil {
		return nil, fmt.Errorf("DONE_RECORDING seconds: %w", err)
	}
	frames, err := ParseInt64(args[2])
	if err != nil {
		return nil, fmt.Errorf("DONE_RECORDING frames: %w", err)
	}
	return DoneRecordingEvent{CardID: card, Seconds: secs, Frames: frames}, nil
}

func decodeLiveTVWatch(args []string) (Event, error) {
	if len(args) < 2 {
		return nil, fmt.Errorf("LIVETV_WATCH needs 2 arguments: %w", domain.ErrInvalidFormat)
	}
	card, err := ParseUint32(args[0])
	if err != nil {
		return nil, fmt.Errorf("LIVETV_WATCH card: %w", err)
	}
	w, err := ParseInt32(args[1])
	if err != nil {
		return nil, fmt.Errorf("LIVETV_WATCH state: %w", err)
	}
	return LiveTVWatchEvent{CardID: card, Watching: w != 0}, nil
}

func decodeSignal(args []string, r *Reader) (Event, error) {
	if len(args) < 1 {
		return nil, fmt.Errorf("SIGNAL needs a card id: %w", domain.ErrInvalidFormat)
	}
	card, err := ParseUint32(args[0])
	if err != nil {
		return nil, fmt.Errorf("SIGNAL card: %w", err)
	}
	status, err := ParseSignal(strings.Join(r.Rest(), ";"))
	if err != nil {
		return nil, err
	}
	status.AdapterID = card
	return SignalEvent{CardID: card, Status: status}, nil
}

// ParseSignal decodes a semicolon-separated list of "name value..." entries.
// Unknown names are skipped.
func ParseSignal(s string) (domain.SignalStatus, error) {
	var st domain.SignalStatus
	for _, entry := range strings.Split(s, ";") {
		f := strings.Fields(entry)
		if len(f) < 2 {
			continue
		}
		name, val := strings.ToLower(f[0]), f[1]
		switch name {
		case "slock":
			v, err := ParseInt32(val)
			if err != nil {
				return st, fmt.Errorf("signal %s: %w", name, err)
			}
			st.Lock = v != 0
		case "signal":
			v, err := ParseInt32(val)
			if err != nil {
				return st, fmt.Errorf("signal %s: %w", name, err)
			}
			st.Signal = int(v)
		case "snr":
			v, err := ParseInt32(val)
			if err != nil {
				return st, fmt.Errorf("signal %s: %w", name, err)
			}
			st.SNR = int(v)
		case "ber":
			v, err := ParseInt64(val)
			if err != nil {
				return st, fmt.Errorf("signal %s: %w", name, err)
			}
			st.BER = v
		case "ucb":
			v, err := ParseInt64(val)
			if err != nil {
				return st, fmt.Errorf("signal %s: %w", name, err)
			}
			st.UNC = v
		case "status":
			st.AdapterStatus = strings.Join(f[1:], " ")
		}
	}
	return st, nil
}

func decodeAskRecording(args []string, r *Reader) (Event, error) {
	if len(args) < 4 {
		return nil, fmt.Errorf("ASK_RECORDING needs 4 arguments: %w", domain.ErrInvalidFormat)
	}
	card, err := ParseUint32(args[0])
	if err != nil {
		return nil, fmt.Errorf("ASK_RECORDING card: %w", err)
	}
	until, err := ParseInt32(args[1])
	if err != nil {
		return nil, fmt.Errorf("ASK_RECORDING time until: %w", err)
	}
	hasRec, err := ParseInt32(args[2])
	if err != nil {
		return nil, fmt.Errorf("ASK_RECORDING has recording: %w", err)
	}
	hasLater, err := ParseInt32(args[3])
	if err != nil {
		return nil, fmt.Errorf("ASK_RECORDING has later: %w", err)
	}
	ev := AskRecordingEvent{
		CardID:          card,
		TimeUntil:       until,
		HasRecording:    hasRec != 0,
		HasLaterShowing: hasLater != 0,
	}
	if r.More() {
		prog, err := DecodeProgram(r)
		if err != nil {
			return nil, fmt.Errorf("ASK_RECORDING: %w", err)
		}
		ev.Program = prog
	}
	return ev, nil
}

func decodeUpdateFileSize(args []string) (Event, error) {
	switch len(args) {
	case 2:
		id, err := ParseUint32(args[0])
		if err != nil {
			return nil, fmt.Errorf("UPDATE_FILE_SIZE recordedid: %w", err)
		}
		size, err := ParseInt64(args[1])
		if err != nil {
			return nil, fmt.Errorf("UPDATE_FILE_SIZE size: %w", err)
		}
		return UpdateFileSizeEvent{RecordedID: id, Size: size}, nil
	case 3:
		chanID, err := ParseUint32(args[0])
		if err != nil {
			return nil, fmt.Errorf("UPDATE_FILE_SIZE chanid: %w", err)
		}
		start, err := ParseAnyTimestamp(args[1])
		if err != nil {
			return nil, fmt.Errorf("UPDATE_FILE_SIZE start: %w", err)
		}
		size, err := ParseInt64(args[2])
		if err != nil {
			return nil, fmt.Errorf("UPDATE_FILE_SIZE size: %w", err)
		}
		return UpdateFileSizeEvent{ChanID: chanID, RecStart: start, Size: size}, nil
	default:
		return nil, fmt.Errorf("UPDATE_FILE_SIZE with %d arguments: %w", len(args), domain.ErrInvalidFormat)
	}
}

// EncodeEvent builds the monitor message for e. Only the variants a backend
// emits are supported; it is used by test backends.
func EncodeEvent(version int, e Event) []string {
	out := []string{"BACKEND_MESSAGE"}
	switch ev := e.(type) {
	case CloseEvent:
		return append(out, "CLOSE", "empty")
	case ScheduleChangeEvent:
		return append(out, "SCHEDULE_CHANGE", "empty")
	case RecordingListChangeEvent:
		switch ev.Kind {
		case domain.ChangeAdd, domain.ChangeDelete:
			verb := "ADD"
			if ev.Kind == domain.ChangeDelete {
				verb = "DELETE"
			}
			return append(out, fmt.Sprintf("RECORDING_LIST_CHANGE %s %d %s", verb, ev.ChanID, FormatISO(ev.RecStart)), "empty")
		case domain.ChangeUpdate:
			out = append(out, "RECORDING_LIST_CHANGE UPDATE")
			return append(out, EncodeProgram(version, ev.Program)...)
		default:
			return append(out, "RECORDING_LIST_CHANGE", "empty")
		}
	case DoneRecordingEvent:
		return append(out, fmt.Sprintf("DONE_RECORDING %d %d %d", ev.CardID, ev.Seconds, ev.Frames), "empty")
	case LiveTVWatchEvent:
		w := 0
		if ev.Watching {
			w = 1
		}
		return append(out, fmt.Sprintf("LIVETV_WATCH %d %d", ev.CardID, w), "empty")
	case LiveTVChainUpdateEvent:
		return append(out, "LIVETV_CHAIN UPDATE "+ev.ChainID, "empty")
	case SignalEvent:
		lock := 0
		if ev.Status.Lock {
			lock = 1
		}
		return append(out, fmt.Sprintf("SIGNAL %d", ev.CardID),
			fmt.Sprintf("slock %d", lock),
			fmt.Sprintf("signal %d", ev.Status.Signal),
			fmt.Sprintf("snr %d", ev.Status.SNR),
			fmt.Sprintf("ber %d", ev.Status.BER),
			fmt.Sprintf("ucb %d", ev.Status.UNC),
			"status "+ev.Status.AdapterStatus)
	case AskRecordingEvent:
		b := func(v bool) int {
			if v {
				return 1
			}
			return 0
		}
		out = append(out, fmt.Sprintf("ASK_RECORDING %d %d %d %d", ev.CardID, ev.TimeUntil, b(ev.HasRecording), b(ev.HasLaterShowing)))
		if ev.Program != nil {
			out = append(out, EncodeProgram(version, ev.Program)...)
		}
		return out
	case UpdateFileSizeEvent:
		if ev.RecordedID != 0 {
			return append(out, fmt.Sprintf("UPDATE_FILE_SIZE %d %d", ev.RecordedID, ev.Size), "empty")
		}
		return append(out, fmt.Sprintf("UPDATE_FILE_SIZE %d %s %d", ev.ChanID, FormatISO(ev.RecStart), ev.Size), "empty")
	case UnknownEvent:
		return append(out, ev.Message, "empty")
	}
	return out
}
