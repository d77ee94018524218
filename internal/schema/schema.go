// Package schema defines the observation row model and the fixed,
// additive-only column schema enforced at the engine boundary.
package schema

import (
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/nimbusdb/nimbus/internal/errors"
)

// ValueKind indicates the physical type of a column value.
type ValueKind uint8

const (
	// KindF64 is a 64-bit float measurement (e.g., temperature, pressure).
	KindF64 ValueKind = iota
	// KindI64 is a 64-bit signed integer measurement.
	KindI64
	// KindU16Angle is a compass angle in whole degrees, 0-359.
	KindU16Angle
	// KindU8Percent is a percentage in whole points, 0-100.
	KindU8Percent
)

// String returns a human-readable representation of the ValueKind.
func (k ValueKind) String() string {
	switch k {
	case KindF64:
		return "f64"
	case KindI64:
		return "i64"
	case KindU16Angle:
		return "u16angle"
	case KindU8Percent:
		return "u8percent"
	default:
		return fmt.Sprintf("unknown(%d)", uint8(k))
	}
}

// Value is a single observed measurement. Which field is meaningful is
// determined by the column's ValueKind; Null marks an absent reading.
type Value struct {
	Null    bool
	F64     float64
	I64     int64
	Angle   uint16
	Percent uint8
}

// NullValue returns the null Value.
func NullValue() Value { return Value{Null: true} }

// F64Value returns a float value.
func F64Value(v float64) Value { return Value{F64: v} }

// I64Value returns an integer value.
func I64Value(v int64) Value { return Value{I64: v} }

// AngleValue returns a compass-angle value.
func AngleValue(deg uint16) Value { return Value{Angle: deg} }

// PercentValue returns a percentage value.
func PercentValue(pct uint8) Value { return Value{Percent: pct} }

// Column describes one column of the deployment schema.
type Column struct {
	ID   uint16
	Name string
	Kind ValueKind
}

// Schema is the ordered, additive-only set of columns a deployment accepts.
type Schema struct {
	cols   []Column
	byName map[string]int
	byID   map[uint16]int
}

// New builds a schema from an ordered column list.
func New(cols []Column) (*Schema, error) {
	s := &Schema{
		byName: make(map[string]int, len(cols)),
		byID:   make(map[uint16]int, len(cols)),
	}
	for _, c := range cols {
		if err := s.Extend(c); err != nil {
			return nil, err
		}
	}
	return s, nil
}

// Default returns the weather deployment schema.
func Default() *Schema {
	s, err := New([]Column{
		{ID: 0, Name: "temperature_c", Kind: KindF64},
		{ID: 1, Name: "dew_point_c", Kind: KindF64},
		{ID: 2, Name: "pressure_hpa", Kind: KindF64},
		{ID: 3, Name: "wind_speed_ms", Kind: KindF64},
		{ID: 4, Name: "precip_mm", Kind: KindF64},
		{ID: 5, Name: "wind_dir_deg", Kind: KindU16Angle},
		{ID: 6, Name: "humidity_pct", Kind: KindU8Percent},
		{ID: 7, Name: "solar_wm2", Kind: KindI64},
	})
	if err != nil {
		panic(err) // static column list
	}
	return s
}

// MaxColumns bounds the deployment schema so WAL records can carry a
// 64-bit column bitmap per row.
const MaxColumns = 64

// Extend appends a new column. The schema is additive-only: an existing
// name or ID cannot be redefined.
func (s *Schema) Extend(c Column) error {
	if c.Name == "" {
		return errors.Wrap(errors.ErrSchemaMismatch, "empty column name")
	}
	if len(s.cols) >= MaxColumns {
		return errors.Wrapf(errors.ErrSchemaMismatch, "schema is limited to %d columns", MaxColumns)
	}
	if _, ok := s.byName[c.Name]; ok {
		return errors.Wrapf(errors.ErrSchemaMismatch, "column %q already defined", c.Name)
	}
	if _, ok := s.byID[c.ID]; ok {
		return errors.Wrapf(errors.ErrSchemaMismatch, "column id %d already defined", c.ID)
	}
	s.byName[c.Name] = len(s.cols)
	s.byID[c.ID] = len(s.cols)
	s.cols = append(s.cols, c)
	return nil
}

// Columns returns the ordered column list.
func (s *Schema) Columns() []Column { return s.cols }

// NumColumns returns the number of columns.
func (s *Schema) NumColumns() int { return len(s.cols) }

// ColumnByName looks up a column by name.
func (s *Schema) ColumnByName(name string) (Column, bool) {
	ix, ok := s.byName[name]
	if !ok {
		return Column{}, false
	}
	return s.cols[ix], true
}

// ColumnByID looks up a column by ID.
func (s *Schema) ColumnByID(id uint16) (Column, bool) {
	ix, ok := s.byID[id]
	if !ok {
		return Column{}, false
	}
	return s.cols[ix], true
}

// IndexByID returns the position of a column in the ordered list.
func (s *Schema) IndexByID(id uint16) (int, bool) {
	ix, ok := s.byID[id]
	return ix, ok
}

// MaxStationIDLen is the longest accepted station identifier in bytes.
const MaxStationIDLen = 64

// MaxTimestamp bounds accepted timestamps (microseconds since epoch).
const MaxTimestamp = int64(1) << 62

// Observation is an immutable weather record: one station, one instant,
// a fixed set of sensor readings keyed by column ID.
type Observation struct {
	StationID string
	TsMicros  int64
	Values    map[uint16]Value
}

// Validate checks an observation against the schema. It returns a
// validation error and leaves no state behind on failure.
func (s *Schema) Validate(obs *Observation) error {
	if obs.StationID == "" || len(obs.StationID) > MaxStationIDLen {
		return errors.Wrapf(errors.ErrSchemaMismatch, "station id length %d", len(obs.StationID))
	}
	// Station ids name series keys and chunk directories.
	if strings.ContainsAny(obs.StationID, "/\\\x00") {
		return errors.Wrapf(errors.ErrSchemaMismatch, "station id %q contains reserved characters", obs.StationID)
	}
	if obs.TsMicros < 0 || obs.TsMicros >= MaxTimestamp {
		return errors.Wrapf(errors.ErrBadTimestamp, "ts %d", obs.TsMicros)
	}
	for id, v := range obs.Values {
		col, ok := s.ColumnByID(id)
		if !ok {
			return errors.Wrapf(errors.ErrSchemaMismatch, "unknown column id %d", id)
		}
		if v.Null {
			continue
		}
		switch col.Kind {
		case KindF64:
			if math.IsNaN(v.F64) {
				return errors.Wrapf(errors.ErrNaNDisallowed, "column %q", col.Name)
			}
			if math.IsInf(v.F64, 0) {
				return errors.Wrapf(errors.ErrOutOfRangeValue, "column %q is infinite", col.Name)
			}
		case KindU16Angle:
			if v.Angle > 359 {
				return errors.Wrapf(errors.ErrOutOfRangeValue, "column %q angle %d", col.Name, v.Angle)
			}
		case KindU8Percent:
			if v.Percent > 100 {
				return errors.Wrapf(errors.ErrOutOfRangeValue, "column %q percent %d", col.Name, v.Percent)
			}
		}
	}
	return nil
}

// MicrosPerDay is the length of a UTC day in microseconds.
const MicrosPerDay = int64(86_400_000_000)

// PartitionDay returns the UTC day number for a microsecond timestamp.
// Partitions are the unit of flush, compaction and retention.
func PartitionDay(tsMicros int64) int32 {
	return int32(tsMicros / MicrosPerDay)
}

// SeriesKey identifies one (station, partition day) series. It is the unit
// of MemTable and chunk file identity. Keys are opaque strings so that the
// WAL, catalogue and engine never hold pointers into each other.
type SeriesKey struct {
	StationID    string
	PartitionDay int32
}

// String returns the canonical "station/day" form.
func (k SeriesKey) String() string {
	return k.StationID + "/" + strconv.FormatInt(int64(k.PartitionDay), 10)
}

// SeriesKeyFor derives the series key for an observation.
func SeriesKeyFor(obs *Observation) SeriesKey {
	return SeriesKey{StationID: obs.StationID, PartitionDay: PartitionDay(obs.TsMicros)}
}
