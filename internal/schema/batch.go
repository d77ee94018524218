package schema

// ColumnVector holds one column of a batch: a presence bit per row and a
// dense vector of the present values in the slice matching the column kind.
type ColumnVector struct {
	Column   Column
	Presence []bool

	F64 []float64
	I64 []int64
	U16 []uint16
	U8  []uint8
}

// PresentCount returns the number of rows carrying a value.
func (v *ColumnVector) PresentCount() int {
	n := 0
	for _, p := range v.Presence {
		if p {
			n++
		}
	}
	return n
}

// ValueAt returns the value for a row index given how many present values
// precede it. denseIx is the index into the dense vector.
func (v *ColumnVector) ValueAt(denseIx int) Value {
	switch v.Column.Kind {
	case KindF64:
		return F64Value(v.F64[denseIx])
	case KindI64:
		return I64Value(v.I64[denseIx])
	case KindU16Angle:
		return AngleValue(v.U16[denseIx])
	case KindU8Percent:
		return PercentValue(v.U8[denseIx])
	}
	return NullValue()
}

// AppendValue appends a non-null value to the dense vector.
func (v *ColumnVector) AppendValue(val Value) {
	switch v.Column.Kind {
	case KindF64:
		v.F64 = append(v.F64, val.F64)
	case KindI64:
		v.I64 = append(v.I64, val.I64)
	case KindU16Angle:
		v.U16 = append(v.U16, val.Angle)
	case KindU8Percent:
		v.U8 = append(v.U8, val.Percent)
	}
}

// ColumnBatch is the canonical column-oriented row set exchanged between
// the memtable, chunk files, scans and the export layer: a timestamp
// vector plus one ColumnVector per schema column. Rows are ordered by
// strictly non-decreasing timestamp.
type ColumnBatch struct {
	Times   []int64
	Columns []ColumnVector
}

// NumRows returns the number of rows in the batch.
func (b *ColumnBatch) NumRows() int { return len(b.Times) }

// ColumnByName finds a column vector by column name.
func (b *ColumnBatch) ColumnByName(name string) *ColumnVector {
	for i := range b.Columns {
		if b.Columns[i].Column.Name == name {
			return &b.Columns[i]
		}
	}
	return nil
}

// FirstTs returns the first timestamp, or 0 for an empty batch.
func (b *ColumnBatch) FirstTs() int64 {
	if len(b.Times) == 0 {
		return 0
	}
	return b.Times[0]
}

// LastTs returns the last timestamp, or 0 for an empty batch.
func (b *ColumnBatch) LastTs() int64 {
	if len(b.Times) == 0 {
		return 0
	}
	return b.Times[len(b.Times)-1]
}
