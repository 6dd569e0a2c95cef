package domain

import (
	"fmt"
	"time"
)

// Program flag bits carried in Program.Flags
const (
	FlagCommFlag      uint32 = 0x00000001
	FlagCutList       uint32 = 0x00000002
	FlagBookmark      uint32 = 0x00000004
	FlagAutoExp       uint32 = 0x00000008
	FlagEditing       uint32 = 0x00000010
	FlagBeingCommFlag uint32 = 0x00000020
	FlagDeletePending uint32 = 0x00000080
	FlagWatched       uint32 = 0x00000200
	FlagPreserved     uint32 = 0x00000400
)

// Program is the backend's description of a recording or scheduled program.
// Values are built once per decoded message; only Length changes afterwards.
type Program struct {
	Title             string
	Subtitle          string
	Description       string
	Season            uint16
	Episode           uint16
	TotalEpisodes     uint16
	SyndicatedEpisode string
	Category          string
	ChanID            uint32
	ChanNum           string
	CallSign          string
	ChanName          string
	Pathname          string
	Length            int64
	Start             time.Time
	End               time.Time
	Duplicate         bool
	Shareable         bool
	FindID            uint32
	Hostname          string
	SourceID          uint32
	CardID            uint32
	InputID           uint32
	RecPriority       int32
	RecStatus         int32
	RecordID          uint32
	RecType           uint8
	DupIn             uint8
	DupMethod         uint8
	RecStart          time.Time
	RecEnd            time.Time
	Repeat            bool
	Flags             uint32
	RecGroup          string
	CommFree          bool
	OutputFilters     string
	SeriesID          string
	ProgramID         string
	InetRef           string
	LastModified      time.Time
	Stars             float64
	AirDate           string
	HasAirDate        bool
	PlayGroup         string
	RecPriority2      int32
	ParentID          uint32
	StorageGroup      string
	AudioProps        uint16
	VideoProps        uint16
	SubtitleType      uint16
	Year              uint16
	PartNumber        uint16
	PartTotal         uint16
	CategoryType      uint8
	RecordedID        uint32
	InputName         string
	BookmarkUpdate    time.Time
}

// UID identifies a recording file by channel and recording start time.
// Backend file-size events address files with the same pair.
func (p Program) UID() string {
	return RecordingUID(p.ChanID, p.RecStart)
}

// RecordingUID builds the identifier used by Program.UID.
func RecordingUID(chanID uint32, recStart time.Time) string {
	return fmt.Sprintf("%d_%d", chanID, recStart.Unix())
}

// Watched reports whether the watched flag is set.
func (p Program) Watched() bool { return p.Flags&FlagWatched != 0 }

// DeletePending reports whether the backend is about to delete the recording.
func (p Program) DeletePending() bool { return p.Flags&FlagDeletePending != 0 }

// Duration is the scheduled recording span.
func (p Program) Duration() time.Duration {
	if p.RecEnd.Before(p.RecStart) {
		return 0
	}
	return p.RecEnd.Sub(p.RecStart)
}

// Channel is a tunable channel as delivered by the channel source
type Channel struct {
	ChanID   uint32 `yaml:"chan_id" json:"chan_id"`
	ChanNum  string `yaml:"chan_num" json:"chan_num"`
	CallSign string `yaml:"callsign" json:"callsign"`
	Name     string `yaml:"name" json:"name"`
	SourceID uint32 `yaml:"source_id" json:"source_id"`
	MplexID  uint32 `yaml:"mplex_id" json:"mplex_id"`
	Icon     string `yaml:"icon" json:"icon,omitempty"`
	Visible  bool   `yaml:"visible" json:"visible"`
	Radio    bool   `yaml:"radio" json:"radio"`
}

// ChannelGroup is a named list of channel ids
type ChannelGroup struct {
	Name     string   `yaml:"name" json:"name"`
	Channels []uint32 `yaml:"channels" json:"channels"`
}

// RecordingProfile describes a recording profile offered for timers
type RecordingProfile struct {
	ID   int    `yaml:"id" json:"id"`
	Name string `yaml:"name" json:"name"`
}

// FreeInput is one entry of a recorder's free-input list
type FreeInput struct {
	Name        string
	SourceID    uint32
	InputID     uint32
	CardID      uint32
	MplexID     uint32
	LiveTVOrder uint32
}

// Matches reports whether a channel can be tuned on this input.
// An input without a multiplex accepts any multiplex of its source.
func (in FreeInput) Matches(ch Channel) bool {
	if in.SourceID != ch.SourceID {
		return false
	}
	return in.MplexID == 0 || in.MplexID == ch.MplexID
}

// SignalStatus is replaced wholesale on each backend signal report
type SignalStatus struct {
	AdapterID     uint32    `json:"adapter_id"`
	AdapterStatus string    `json:"adapter_status"`
	Lock          bool      `json:"lock"`
	Signal        int       `json:"signal"`
	SNR           int       `json:"snr"`
	BER           int64     `json:"ber"`
	UNC           int64     `json:"unc"`
	Updated       time.Time `json:"updated"`
}

// ChangeKind classifies entries in the recording-change queue
type ChangeKind int

const (
	ChangeInvalidate ChangeKind = iota
	ChangeAdd
	ChangeUpdate
	ChangeDelete
)

func (k ChangeKind) String() string {
	switch k {
	case ChangeInvalidate:
		return "invalidate"
	case ChangeAdd:
		return "add"
	case ChangeUpdate:
		return "update"
	case ChangeDelete:
		return "delete"
	default:
		return "unknown"
	}
}

// RecordingChange is one queued recording-list notification.
// Add and Delete carry ChanID + RecStart, Update carries the full program.
type RecordingChange struct {
	Kind     ChangeKind
	ChanID   uint32
	RecStart time.Time
	Program  *Program
}

// UID identifies the recording the change refers to.
func (c RecordingChange) UID() string {
	if c.Program != nil {
		return c.Program.UID()
	}
	return RecordingUID(c.ChanID, c.RecStart)
}

// DriveSpace is the backend's storage summary, in kilobytes
type DriveSpace struct {
	Total int64 `json:"total_kb"`
	Used  int64 `json:"used_kb"`
}

// StorageGroupFile describes one file found in a storage group
type StorageGroupFile struct {
	Path     string
	Modified time.Time
	Size     int64
}
