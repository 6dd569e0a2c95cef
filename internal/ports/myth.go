package ports

import (
	"context"
	"time"

	"github.com/opdenkamp/xbmc-pvr-addons-sub004/internal/domain"
)

// MythClient defines the control-connection operations used by the
// application services
type MythClient interface {
	// IsConnected reports whether the control socket is usable, without a
	// round trip
	IsConnected() bool

	// Version is the negotiated protocol version
	Version() int

	// Recordings lists all recordings, oldest first
	Recordings(ctx context.Context) ([]*domain.Program, error)

	// Recording looks up one recording by channel and recording start
	Recording(ctx context.Context, chanID uint32, recStart time.Time) (*domain.Program, error)

	// DeleteRecording asks the backend to delete a recording
	DeleteRecording(ctx context.Context, p *domain.Program, force bool) error

	// Bookmark returns the bookmark frame of a recording
	Bookmark(ctx context.Context, p *domain.Program) (int64, error)

	// SetBookmark stores the bookmark frame of a recording
	SetBookmark(ctx context.Context, p *domain.Program, frame int64) error

	// DriveSpace reports the backend's storage totals
	DriveSpace(ctx context.Context) (domain.DriveSpace, error)

	// Setting reads one backend setting for host
	Setting(ctx context.Context, host, key string) (string, error)

	// RescheduleRecordings asks the scheduler to re-evaluate a rule. Zero
	// re-evaluates everything.
	RescheduleRecordings(ctx context.Context, recordID uint32) error

	// StorageGroupFiles lists the files of a storage group on host
	StorageGroupFiles(ctx context.Context, host, storageGroup string) ([]domain.StorageGroupFile, error)

	// Tuners returns the recorders currently free for live TV
	Tuners(ctx context.Context) ([]Tuner, error)
}

// Tuner is one backend recorder able to carry a live-TV session
type Tuner interface {
	ID() uint32
	IsTunable(ctx context.Context, ch domain.Channel) (bool, error)
	IsRecording(ctx context.Context) (bool, error)
	CurrentProgram(ctx context.Context) (*domain.Program, error)
	SpawnLiveTV(ctx context.Context, ch domain.Channel) error
	SetChannel(ctx context.Context, ch domain.Channel) error
	Stop(ctx context.Context) error
	ReadLiveTV(p []byte) (int, error)
	SeekLiveTV(offset int64, whence int) (int64, error)
	LiveTVDuration() time.Duration
	LiveTVLength() int64
}

// ChannelSource delivers the channel data otherwise read from the backend
// database
type ChannelSource interface {
	Channels(ctx context.Context) ([]domain.Channel, error)
	ChannelGroups(ctx context.Context) ([]domain.ChannelGroup, error)
	Guide(ctx context.Context, start, end time.Time) ([]domain.Program, error)
	RecordingProfiles(ctx context.Context) ([]domain.RecordingProfile, error)
}

// Severity grades a user notification
type Severity int

const (
	SeverityInfo Severity = iota
	SeverityWarning
	SeverityError
)

func (s Severity) String() string {
	switch s {
	case SeverityWarning:
		return "warning"
	case SeverityError:
		return "error"
	default:
		return "info"
	}
}

// Notifier shows a message to the user
type Notifier interface {
	Notify(sev Severity, message string)
}

// EventObserver receives the notifications the event loop derives from
// backend events. Calls happen on the event loop goroutine and must return
// quickly.
type EventObserver interface {
	// RecordingsChanged fires once per settled batch of recording-list changes
	RecordingsChanged()

	// SchedulesChanged fires on every schedule change
	SchedulesChanged()

	// LiveStreamStopped fires when live TV on a recorder was ended by the
	// backend or by the conflict policy
	LiveStreamStopped(recorderID uint32)
}

// RecordingChanges is the consumer side of the recording-change queue
type RecordingChanges interface {
	// Pop removes the oldest change
	Pop() (domain.RecordingChange, bool)
	Len() int
}

// SignalSource exposes the latest tuner signal report
type SignalSource interface {
	Signal() domain.SignalStatus
}
