package mythproto

import (
	"fmt"
	"strconv"
	"time"

	"github.com/opdenkamp/xbmc-pvr-addons-sub004/internal/domain"
)

// programField is one entry of the program-info layout. A field is on the
// wire for versions in [since, until); until zero means still present.
type programField struct {
	name  string
	since int
	until int
	dec   func(r *Reader, p *domain.Program) error
	enc   func(version int, p *domain.Program) []string
}

func (f programField) present(version int) bool {
	return version >= f.since && (f.until == 0 || version < f.until)
}

func scalarField[T any](name string, since, until int, at func(*domain.Program) *T, parse func(string) (T, error), format func(T) string) programField {
	return programField{
		name:  name,
		since: since,
		until: until,
		dec: func(r *Reader, p *domain.Program) error {
			tok, err := r.Token()
			if err != nil {
				return err
			}
			v, err := parse(tok)
			if err != nil {
				return err
			}
			*at(p) = v
			return nil
		},
		enc: func(_ int, p *domain.Program) []string {
			return []string{format(*at(p))}
		},
	}
}

func stringField(name string, since, until int, at func(*domain.Program) *string) programField {
	return scalarField(name, since, until, at,
		func(s string) (string, error) { return s, nil },
		func(s string) string { return s })
}

func uint32Field(name string, since, until int, at func(*domain.Program) *uint32) programField {
	return scalarField(name, since, until, at, ParseUint32,
		func(v uint32) string { return strconv.FormatUint(uint64(v), 10) })
}

func int32Field(name string, since, until int, at func(*domain.Program) *int32) programField {
	return scalarField(name, since, until, at, ParseInt32,
		func(v int32) string { return strconv.FormatInt(int64(v), 10) })
}

func uint16Field(name string, since, until int, at func(*domain.Program) *uint16) programField {
	return scalarField(name, since, until, at, ParseUint16,
		func(v uint16) string { return strconv.FormatUint(uint64(v), 10) })
}

func uint8Field(name string, since, until int, at func(*domain.Program) *uint8) programField {
	return scalarField(name, since, until, at, ParseUint8,
		func(v uint8) string { return strconv.FormatUint(uint64(v), 10) })
}

func boolField(name string, since, until int, at func(*domain.Program) *bool) programField {
	return scalarField(name, since, until, at,
		func(s string) (bool, error) {
			v, err := ParseInt32(s)
			return v != 0, err
		},
		func(b bool) string {
			if b {
				return "1"
			}
			return "0"
		})
}

func floatField(name string, since, until int, at func(*domain.Program) *float64) programField {
	return scalarField(name, since, until, at,
		func(s string) (float64, error) {
			v, err := strconv.ParseFloat(s, 64)
			if err != nil {
				return 0, numError(s, 64, err)
			}
			return v, nil
		},
		func(v float64) string { return strconv.FormatFloat(v, 'f', -1, 64) })
}

func timeField(name string, since, until int, at func(*domain.Program) *time.Time) programField {
	return programField{
		name:  name,
		since: since,
		until: until,
		dec: func(r *Reader, p *domain.Program) error {
			t, err := r.Time()
			if err != nil {
				return err
			}
			*at(p) = t
			return nil
		},
		enc: func(version int, p *domain.Program) []string {
			t := *at(p)
			if t.IsZero() {
				return []string{""}
			}
			return []string{FormatTimestamp(t, version)}
		},
	}
}

func int64Field(name string, since, until int, at func(*domain.Program) *int64) programField {
	return programField{
		name:  name,
		since: since,
		until: until,
		dec: func(r *Reader, p *domain.Program) error {
			v, err := r.Int64()
			if err != nil {
				return err
			}
			*at(p) = v
			return nil
		},
		enc: func(version int, p *domain.Program) []string {
			return EncodeInt64(version, Int64SingleTokenSince, *at(p))
		},
	}
}

// programLayout lists the program-info tokens in wire order across all
// supported versions.
var programLayout = []programField{
	stringField("title", 0, 0, func(p *domain.Program) *string { return &p.Title }),
	stringField("subtitle", 0, 0, func(p *domain.Program) *string { return &p.Subtitle }),
	stringField("description", 0, 0, func(p *domain.Program) *string { return &p.Description }),
	uint16Field("season", 67, 0, func(p *domain.Program) *uint16 { return &p.Season }),
	uint16Field("episode", 67, 0, func(p *domain.Program) *uint16 { return &p.Episode }),
	uint16Field("totalepisodes", 76, 0, func(p *domain.Program) *uint16 { return &p.TotalEpisodes }),
	stringField("syndicatedepisode", 76, 0, func(p *domain.Program) *string { return &p.SyndicatedEpisode }),
	stringField("category", 0, 0, func(p *domain.Program) *string { return &p.Category }),
	uint32Field("chanid", 0, 0, func(p *domain.Program) *uint32 { return &p.ChanID }),
	stringField("channum", 0, 0, func(p *domain.Program) *string { return &p.ChanNum }),
	stringField("callsign", 0, 0, func(p *domain.Program) *string { return &p.CallSign }),
	stringField("channame", 0, 0, func(p *domain.Program) *string { return &p.ChanName }),
	stringField("pathname", 0, 0, func(p *domain.Program) *string { return &p.Pathname }),
	int64Field("filesize", 0, 0, func(p *domain.Program) *int64 { return &p.Length }),
	timeField("start", 0, 0, func(p *domain.Program) *time.Time { return &p.Start }),
	timeField("end", 0, 0, func(p *domain.Program) *time.Time { return &p.End }),
	boolField("duplicate", 0, 57, func(p *domain.Program) *bool { return &p.Duplicate }),
	boolField("shareable", 0, 57, func(p *domain.Program) *bool { return &p.Shareable }),
	uint32Field("findid", 0, 0, func(p *domain.Program) *uint32 { return &p.FindID }),
	stringField("hostname", 0, 0, func(p *domain.Program) *string { return &p.Hostname }),
	uint32Field("sourceid", 0, 0, func(p *domain.Program) *uint32 { return &p.SourceID }),
	uint32Field("cardid", 0, 0, func(p *domain.Program) *uint32 { return &p.CardID }),
	uint32Field("inputid", 0, 0, func(p *domain.Program) *uint32 { return &p.InputID }),
	int32Field("recpriority", 0, 0, func(p *domain.Program) *int32 { return &p.RecPriority }),
	int32Field("recstatus", 0, 0, func(p *domain.Program) *int32 { return &p.RecStatus }),
	uint32Field("recordid", 0, 0, func(p *domain.Program) *uint32 { return &p.RecordID }),
	uint8Field("rectype", 0, 0, func(p *domain.Program) *uint8 { return &p.RecType }),
	uint8Field("dupin", 0, 0, func(p *domain.Program) *uint8 { return &p.DupIn }),
	uint8Field("dupmethod", 0, 0, func(p *domain.Program) *uint8 { return &p.DupMethod }),
	timeField("recstart", 0, 0, func(p *domain.Program) *time.Time { return &p.RecStart }),
	timeField("recend", 0, 0, func(p *domain.Program) *time.Time { return &p.RecEnd }),
	boolField("repeat", 0, 57, func(p *domain.Program) *bool { return &p.Repeat }),
	uint32Field("programflags", 0, 0, func(p *domain.Program) *uint32 { return &p.Flags }),
	stringField("recgroup", 0, 0, func(p *domain.Program) *string { return &p.RecGroup }),
	boolField("commfree", 0, 57, func(p *domain.Program) *bool { return &p.CommFree }),
	stringField("outputfilters", 0, 0, func(p *domain.Program) *string { return &p.OutputFilters }),
	stringField("seriesid", 0, 0, func(p *domain.Program) *string { return &p.SeriesID }),
	stringField("programid", 0, 0, func(p *domain.Program) *string { return &p.ProgramID }),
	stringField("inetref", 67, 0, func(p *domain.Program) *string { return &p.InetRef }),
	timeField("lastmodified", 0, 0, func(p *domain.Program) *time.Time { return &p.LastModified }),
	floatField("stars", 0, 0, func(p *domain.Program) *float64 { return &p.Stars }),
	stringField("airdate", 0, 0, func(p *domain.Program) *string { return &p.AirDate }),
	boolField("hasairdate", 0, 57, func(p *domain.Program) *bool { return &p.HasAirDate }),
	stringField("playgroup", 15, 0, func(p *domain.Program) *string { return &p.PlayGroup }),
	int32Field("recpriority2", 25, 0, func(p *domain.Program) *int32 { return &p.RecPriority2 }),
	uint32Field("parentid", 31, 0, func(p *domain.Program) *uint32 { return &p.ParentID }),
	stringField("storagegroup", 32, 0, func(p *domain.Program) *string { return &p.StorageGroup }),
	uint16Field("audioprops", 35, 0, func(p *domain.Program) *uint16 { return &p.AudioProps }),
	uint16Field("videoprops", 35, 0, func(p *domain.Program) *uint16 { return &p.VideoProps }),
	uint16Field("subtitletype", 35, 0, func(p *domain.Program) *uint16 { return &p.SubtitleType }),
	uint16Field("year", 43, 0, func(p *domain.Program) *uint16 { return &p.Year }),
	uint16Field("partnumber", 76, 0, func(p *domain.Program) *uint16 { return &p.PartNumber }),
	uint16Field("parttotal", 76, 0, func(p *domain.Program) *uint16 { return &p.PartTotal }),
	uint8Field("categorytype", 79, 0, func(p *domain.Program) *uint8 { return &p.CategoryType }),
	uint32Field("recordedid", 82, 0, func(p *domain.Program) *uint32 { return &p.RecordedID }),
	stringField("inputname", 87, 0, func(p *domain.Program) *string { return &p.InputName }),
	timeField("bookmarkupdate", 89, 0, func(p *domain.Program) *time.Time { return &p.BookmarkUpdate }),
}

// ProgramTokens is the number of tokens a program occupies at version.
func ProgramTokens(version int) int {
	n := 0
	for _, f := range programLayout {
		if !f.present(version) {
			continue
		}
		n += len(f.enc(version, &domain.Program{}))
	}
	return n
}

// DecodeProgram reads one program from r, consuming exactly the tokens the
// reader's version defines.
func DecodeProgram(r *Reader) (*domain.Program, error) {
	p := &domain.Program{}
	v := r.Version()
	for _, f := range programLayout {
		if !f.present(v) {
			continue
		}
		if err := f.dec(r, p); err != nil {
			return nil, fmt.Errorf("program field %s: %w", f.name, err)
		}
	}
	return p, nil
}

// EncodeProgram returns the tokens describing p at version.
func EncodeProgram(version int, p *domain.Program) []string {
	out := make([]string, 0, 64)
	for _, f := range programLayout {
		if f.present(version) {
			out = append(out, f.enc(version, p)...)
		}
	}
	return out
}
