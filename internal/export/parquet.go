// Package export adapts the engine's canonical column batches to Parquet
// files, so downstream analytics can consume extracts without speaking
// the chunk format.
package export

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/parquet-go/parquet-go"
	"github.com/parquet-go/parquet-go/compress"

	"github.com/nimbusdb/nimbus/internal/schema"
)

// CompressionType represents a Parquet compression algorithm.
type CompressionType int

const (
	CompressionNone CompressionType = iota
	CompressionSnappy
	CompressionZstd
	CompressionLZ4
)

// ParseCompressionType parses a compression type string.
func ParseCompressionType(s string) CompressionType {
	switch s {
	case "snappy":
		return CompressionSnappy
	case "lz4":
		return CompressionLZ4
	case "none":
		return CompressionNone
	default:
		return CompressionZstd
	}
}

func getCompression(ct CompressionType) compress.Codec {
	switch ct {
	case CompressionSnappy:
		return &parquet.Snappy
	case CompressionZstd:
		return &parquet.Zstd
	case CompressionLZ4:
		return &parquet.Lz4Raw
	default:
		return &parquet.Uncompressed
	}
}

// ValueRow is one observation value in Parquet long format. The layout is
// schema-agnostic: additive columns need no file format change.
type ValueRow struct {
	StationID string   `parquet:"station_id,zstd"`
	TsMicros  int64    `parquet:"ts_micros"`
	Column    string   `parquet:"column,zstd"`
	Kind      string   `parquet:"kind,zstd"`
	F64       *float64 `parquet:"f64,optional"`
	I64       *int64   `parquet:"i64,optional"`
	U16       *int32   `parquet:"u16,optional"`
	U8        *int32   `parquet:"u8,optional"`
}

// Writer streams column batches into one Parquet extract file.
type Writer struct {
	mu       sync.Mutex
	path     string
	file     *os.File
	writer   *parquet.GenericWriter[ValueRow]
	rowCount int64
	closed   bool
}

// NewWriter creates a Parquet extract writer.
func NewWriter(path string, compression CompressionType) (*Writer, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create directory: %w", err)
	}
	f, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("create file: %w", err)
	}

	writer := parquet.NewGenericWriter[ValueRow](f,
		parquet.Compression(getCompression(compression)))

	return &Writer{path: path, file: f, writer: writer}, nil
}

// WriteBatch appends every present value of a batch.
func (w *Writer) WriteBatch(stationID string, batch *schema.ColumnBatch) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return fmt.Errorf("writer closed")
	}

	rows := BatchRows(stationID, batch)
	if len(rows) == 0 {
		return nil
	}
	n, err := w.writer.Write(rows)
	if err != nil {
		return fmt.Errorf("write rows: %w", err)
	}
	w.rowCount += int64(n)
	return nil
}

// RowCount returns the number of value rows written so far.
func (w *Writer) RowCount() int64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.rowCount
}

// Close finalizes the Parquet footer and closes the file.
func (w *Writer) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return nil
	}
	w.closed = true

	if err := w.writer.Close(); err != nil {
		w.file.Close()
		return fmt.Errorf("close writer: %w", err)
	}
	return w.file.Close()
}

// BatchRows flattens a column batch into Parquet value rows.
func BatchRows(stationID string, batch *schema.ColumnBatch) []ValueRow {
	var rows []ValueRow
	for ci := range batch.Columns {
		cv := &batch.Columns[ci]
		denseIx := 0
		for ri, present := range cv.Presence {
			if !present {
				continue
			}
			row := ValueRow{
				StationID: stationID,
				TsMicros:  batch.Times[ri],
				Column:    cv.Column.Name,
				Kind:      cv.Column.Kind.String(),
			}
			switch cv.Column.Kind {
			case schema.KindF64:
				v := cv.F64[denseIx]
				row.F64 = &v
			case schema.KindI64:
				v := cv.I64[denseIx]
				row.I64 = &v
			case schema.KindU16Angle:
				v := int32(cv.U16[denseIx])
				row.U16 = &v
			case schema.KindU8Percent:
				v := int32(cv.U8[denseIx])
				row.U8 = &v
			}
			denseIx++
			rows = append(rows, row)
		}
	}
	return rows
}
