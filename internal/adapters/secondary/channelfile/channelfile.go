// Package channelfile serves channel, group, guide and recording-profile data
// from a YAML file in place of the backend database.
package channelfile

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"sort"
	"sync"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/opdenkamp/xbmc-pvr-addons-sub004/internal/domain"
	"github.com/opdenkamp/xbmc-pvr-addons-sub004/internal/ports"
)

var _ ports.ChannelSource = (*Source)(nil)

type guideEntry struct {
	ChanID      uint32    `yaml:"chan_id"`
	Title       string    `yaml:"title"`
	Subtitle    string    `yaml:"subtitle"`
	Description string    `yaml:"description"`
	Category    string    `yaml:"category"`
	Start       time.Time `yaml:"start"`
	End         time.Time `yaml:"end"`
	SeriesID    string    `yaml:"series_id"`
	ProgramID   string    `yaml:"program_id"`
}

type document struct {
	Channels []domain.Channel          `yaml:"channels"`
	Groups   []domain.ChannelGroup     `yaml:"groups"`
	Profiles []domain.RecordingProfile `yaml:"profiles"`
	Guide    []guideEntry              `yaml:"guide"`
}

// Source is a file-backed ChannelSource. The file is read by Load and Reload;
// accessors return copies of the last good snapshot.
type Source struct {
	path string

	mu  sync.RWMutex
	doc document
}

// Load reads path and returns a Source over its content.
func Load(path string) (*Source, error) {
	s := &Source{path: path}
	if err := s.Reload(); err != nil {
		return nil, err
	}
	return s, nil
}

// Parse builds a Source from YAML content without a backing file.
func Parse(r io.Reader) (*Source, error) {
	doc, err := decode(r)
	if err != nil {
		return nil, err
	}
	return &Source{doc: doc}, nil
}

// Reload re-reads the backing file. On error the previous snapshot stays.
func (s *Source) Reload() error {
	if s.path == "" {
		return fmt.Errorf("channel file: %w", domain.ErrInvalidArgument)
	}
	data, err := os.ReadFile(s.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("channel file %s: %w", s.path, domain.ErrNotFound)
		}
		return fmt.Errorf("failed to read channel file: %w", err)
	}
	doc, err := decode(bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("channel file %s: %w", s.path, err)
	}
	s.mu.Lock()
	s.doc = doc
	s.mu.Unlock()
	return nil
}

func decode(r io.Reader) (document, error) {
	var doc document
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(&doc); err != nil && !errors.Is(err, io.EOF) {
		return document{}, fmt.Errorf("failed to parse channel file: %w", err)
	}
	if err := validate(&doc); err != nil {
		return document{}, err
	}
	sort.SliceStable(doc.Guide, func(i, j int) bool {
		return doc.Guide[i].Start.Before(doc.Guide[j].Start)
	})
	return doc, nil
}

func validate(doc *document) error {
	seen := make(map[uint32]bool, len(doc.Channels))
	for _, ch := range doc.Channels {
		if ch.ChanID == 0 {
			return fmt.Errorf("channel %q without chan_id: %w", ch.Name, domain.ErrInvalidArgument)
		}
		if seen[ch.ChanID] {
			return fmt.Errorf("duplicate chan_id %d: %w", ch.ChanID, domain.ErrInvalidArgument)
		}
		seen[ch.ChanID] = true
	}
	for _, g := range doc.Groups {
		for _, id := range g.Channels {
			if !seen[id] {
				return fmt.Errorf("group %q references unknown channel %d: %w", g.Name, id, domain.ErrInvalidArgument)
			}
		}
	}
	for _, e := range doc.Guide {
		if !seen[e.ChanID] {
			return fmt.Errorf("guide entry %q references unknown channel %d: %w", e.Title, e.ChanID, domain.ErrInvalidArgument)
		}
		if e.End.Before(e.Start) {
			return fmt.Errorf("guide entry %q ends before it starts: %w", e.Title, domain.ErrInvalidArgument)
		}
	}
	return nil
}

// Channels returns all channels in file order.
func (s *Source) Channels(ctx context.Context) ([]domain.Channel, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]domain.Channel(nil), s.doc.Channels...), nil
}

// Channel looks up one channel by its number as shown to the user.
func (s *Source) Channel(chanNum string) (domain.Channel, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, ch := range s.doc.Channels {
		if ch.ChanNum == chanNum {
			return ch, nil
		}
	}
	return domain.Channel{}, fmt.Errorf("channel %s: %w", chanNum, domain.ErrNotFound)
}

// ChannelGroups returns all groups in file order.
func (s *Source) ChannelGroups(ctx context.Context) ([]domain.ChannelGroup, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]domain.ChannelGroup, len(s.doc.Groups))
	for i, g := range s.doc.Groups {
		out[i] = domain.ChannelGroup{Name: g.Name, Channels: append([]uint32(nil), g.Channels...)}
	}
	return out, nil
}

// Guide returns the programs overlapping [start, end), ordered by start.
func (s *Source) Guide(ctx context.Context, start, end time.Time) ([]domain.Program, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if end.Before(start) {
		return nil, fmt.Errorf("guide window: %w", domain.ErrInvalidArgument)
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	byID := make(map[uint32]domain.Channel, len(s.doc.Channels))
	for _, ch := range s.doc.Channels {
		byID[ch.ChanID] = ch
	}
	var out []domain.Program
	for _, e := range s.doc.Guide {
		if !e.Start.Before(end) || !e.End.After(start) {
			continue
		}
		ch := byID[e.ChanID]
		out = append(out, domain.Program{
			Title:       e.Title,
			Subtitle:    e.Subtitle,
			Description: e.Description,
			Category:    e.Category,
			ChanID:      e.ChanID,
			ChanNum:     ch.ChanNum,
			CallSign:    ch.CallSign,
			ChanName:    ch.Name,
			SourceID:    ch.SourceID,
			Start:       e.Start,
			End:         e.End,
			SeriesID:    e.SeriesID,
			ProgramID:   e.ProgramID,
		})
	}
	return out, nil
}

// RecordingProfiles returns the configured recording profiles.
func (s *Source) RecordingProfiles(ctx context.Context) ([]domain.RecordingProfile, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]domain.RecordingProfile(nil), s.doc.Profiles...), nil
}
