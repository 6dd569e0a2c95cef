package http

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/opdenkamp/xbmc-pvr-addons-sub004/internal/application/services"
	"github.com/opdenkamp/xbmc-pvr-addons-sub004/internal/domain"
	"github.com/opdenkamp/xbmc-pvr-addons-sub004/internal/ports"
)

// EventStatus is the part of the event handler the status API reads
type EventStatus interface {
	ports.SignalSource
	IsConnected() bool
}

// Handler handles HTTP requests
type Handler struct {
	logger           *slog.Logger
	version          string
	client           ports.MythClient
	events           EventStatus
	recordingService *services.RecordingService
	liveTVService    *services.LiveTVService
	scheduleService  *services.ScheduleService
}

// NewHandler creates a new HTTP handler. events may be nil when no event
// connection is running.
func NewHandler(
	logger *slog.Logger,
	version string,
	client ports.MythClient,
	events EventStatus,
	recordingService *services.RecordingService,
	liveTVService *services.LiveTVService,
	scheduleService *services.ScheduleService,
) *Handler {
	return &Handler{
		logger:           logger,
		version:          version,
		client:           client,
		events:           events,
		recordingService: recordingService,
		liveTVService:    liveTVService,
		scheduleService:  scheduleService,
	}
}

type healthResponse struct {
	Status          string `json:"status"`
	Version         string `json:"version"`
	ProtocolVersion int    `json:"protocol_version"`
	Control         bool   `json:"control_connected"`
	Events          bool   `json:"events_connected"`
}

// Health reports whether the backend connections are usable. It answers
// 503 while the control connection is down.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	resp := healthResponse{
		Status:          "ok",
		Version:         h.version,
		ProtocolVersion: h.client.Version(),
		Control:         h.client.IsConnected(),
	}
	if h.events != nil {
		resp.Events = h.events.IsConnected()
	}

	status := http.StatusOK
	switch {
	case !resp.Control:
		resp.Status = "unavailable"
		status = http.StatusServiceUnavailable
	case h.events != nil && !resp.Events:
		resp.Status = "degraded"
	}
	h.writeJSON(w, status, resp)
}

// Signal returns the latest tuner signal report
func (h *Handler) Signal(w http.ResponseWriter, r *http.Request) {
	if h.events == nil {
		h.writeJSON(w, http.StatusOK, domain.SignalStatus{})
		return
	}
	h.writeJSON(w, http.StatusOK, h.events.Signal())
}

type recordingResponse struct {
	UID          string    `json:"uid"`
	Title        string    `json:"title"`
	Subtitle     string    `json:"subtitle,omitempty"`
	Description  string    `json:"description,omitempty"`
	Category     string    `json:"category,omitempty"`
	ChanID       uint32    `json:"chan_id"`
	ChanNum      string    `json:"chan_num,omitempty"`
	CallSign     string    `json:"callsign,omitempty"`
	RecStart     time.Time `json:"rec_start"`
	RecEnd       time.Time `json:"rec_end"`
	RecGroup     string    `json:"rec_group,omitempty"`
	StorageGroup string    `json:"storage_group,omitempty"`
	Pathname     string    `json:"pathname"`
	Length       int64     `json:"length_bytes"`
	Watched      bool      `json:"watched"`
	RecordedID   uint32    `json:"recorded_id,omitempty"`
}

func toRecordingResponse(p *domain.Program) recordingResponse {
	return recordingResponse{
		UID:          p.UID(),
		Title:        p.Title,
		Subtitle:     p.Subtitle,
		Description:  p.Description,
		Category:     p.Category,
		ChanID:       p.ChanID,
		ChanNum:      p.ChanNum,
		CallSign:     p.CallSign,
		RecStart:     p.RecStart,
		RecEnd:       p.RecEnd,
		RecGroup:     p.RecGroup,
		StorageGroup: p.StorageGroup,
		Pathname:     p.Pathname,
		Length:       p.Length,
		Watched:      p.Watched(),
		RecordedID:   p.RecordedID,
	}
}

// RecordingList returns all recordings
func (h *Handler) RecordingList(w http.ResponseWriter, r *http.Request) {
	recordings, err := h.recordingService.GetAllRecordings(r.Context())
	if err != nil {
		h.handleError(w, r, err)
		return
	}

	sortBy := r.URL.Query().Get("sort")
	if sortBy != "" {
		recordings = h.recordingService.SortRecordings(recordings, sortBy)
	}

	out := make([]recordingResponse, 0, len(recordings))
	for _, p := range recordings {
		out = append(out, toRecordingResponse(p))
	}
	h.writeJSON(w, http.StatusOK, out)
}

// RecordingInfo returns one recording by UID
func (h *Handler) RecordingInfo(w http.ResponseWriter, r *http.Request) {
	p, err := h.recordingService.GetRecording(r.Context(), r.PathValue("uid"))
	if err != nil {
		h.handleError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, toRecordingResponse(p))
}

// LiveTV reports the live stream state
func (h *Handler) LiveTV(w http.ResponseWriter, r *http.Request) {
	h.writeJSON(w, http.StatusOK, h.liveTVService.Status())
}

// DriveSpace returns the backend's storage totals
func (h *Handler) DriveSpace(w http.ResponseWriter, r *http.Request) {
	space, err := h.recordingService.DriveSpace(r.Context())
	if err != nil {
		h.handleError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, space)
}

// Channels returns the configured channel list
func (h *Handler) Channels(w http.ResponseWriter, r *http.Request) {
	channels, err := h.scheduleService.Channels(r.Context())
	if err != nil {
		h.handleError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, channels)
}

// Guide returns the programs overlapping [start, end). Both bounds are
// RFC 3339; the window defaults to the next 24 hours.
func (h *Handler) Guide(w http.ResponseWriter, r *http.Request) {
	start := time.Now().UTC().Truncate(time.Minute)
	end := start.Add(24 * time.Hour)

	q := r.URL.Query()
	if v := q.Get("start"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			h.handleError(w, r, fmt.Errorf("start %q: %w", v, domain.ErrInvalidArgument))
			return
		}
		start = t
		if q.Get("end") == "" {
			end = start.Add(24 * time.Hour)
		}
	}
	if v := q.Get("end"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			h.handleError(w, r, fmt.Errorf("end %q: %w", v, domain.ErrInvalidArgument))
			return
		}
		end = t
	}

	programs, err := h.scheduleService.Guide(r.Context(), start, end)
	if err != nil {
		h.handleError(w, r, err)
		return
	}
	out := make([]guideResponse, 0, len(programs))
	for _, p := range programs {
		out = append(out, guideResponse{
			ChanID:      p.ChanID,
			ChanNum:     p.ChanNum,
			CallSign:    p.CallSign,
			Title:       p.Title,
			Subtitle:    p.Subtitle,
			Description: p.Description,
			Category:    p.Category,
			Start:       p.Start,
			End:         p.End,
			SeriesID:    p.SeriesID,
			ProgramID:   p.ProgramID,
		})
	}
	h.writeJSON(w, http.StatusOK, out)
}

type guideResponse struct {
	ChanID      uint32    `json:"chan_id"`
	ChanNum     string    `json:"chan_num"`
	CallSign    string    `json:"callsign,omitempty"`
	Title       string    `json:"title"`
	Subtitle    string    `json:"subtitle,omitempty"`
	Description string    `json:"description,omitempty"`
	Category    string    `json:"category,omitempty"`
	Start       time.Time `json:"start"`
	End         time.Time `json:"end"`
	SeriesID    string    `json:"series_id,omitempty"`
	ProgramID   string    `json:"program_id,omitempty"`
}

// Helper methods

func (h *Handler) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		h.logger.Debug("write response", slog.Any("error", err))
	}
}

func (h *Handler) handleError(w http.ResponseWriter, r *http.Request, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, domain.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, domain.ErrInvalidArgument):
		status = http.StatusBadRequest
	case errors.Is(err, domain.ErrConnection), errors.Is(err, domain.ErrReconnectExhausted),
		errors.Is(err, domain.ErrTimeout), errors.Is(err, domain.ErrHung):
		status = http.StatusBadGateway
	}
	if status >= http.StatusInternalServerError {
		h.logger.Error("handler error", slog.Any("error", err), slog.String("path", r.URL.Path))
	}
	h.writeJSON(w, status, map[string]string{"error": err.Error()})
}
