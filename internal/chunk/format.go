// Package chunk implements the on-disk column file holding one series
// key's rows. A chunk is written once, published by atomic rename and
// immutable afterwards.
//
// File layout (all integers little-endian):
//
//	MAGIC(4) | VERSION(2) | FLAGS(2)
//	StationId(len u16 + bytes)
//	PartitionDay(i32)
//	RowCount(u32) | FirstTs(i64) | LastTs(i64)
//	ColumnCount(u16)
//	[ColumnDescriptor]*   id(u16) nameLen(u8)+name physType(u8) codec(u8)
//	                      blockCount(u32) offset(u64) length(u64)
//	[ColumnBlockStream]*  per column: [blockHeader | presence | wrapped bits]*
//	Footer: CRC32C over everything before it, then MAGIC(4)
//
// Each block header carries its row count and first timestamp so a block
// is independently decodable.
package chunk

import (
	"hash/crc32"
)

const (
	// Magic marks nimbus chunk files, and closes them again in the footer.
	Magic = "NMBC"
	// Version is the current chunk format version.
	Version = 1

	// FileSuffix is the extension of published chunks.
	FileSuffix = ".chunk"
	// TmpSuffix is the extension of chunks still being written.
	TmpSuffix = ".tmp"

	// TsColumnID is the reserved descriptor ID of the timestamp column.
	TsColumnID = 0xFFFF

	// DefaultBlockRows is the logical block size used when none is
	// configured.
	DefaultBlockRows = 1024

	footerSize = 8 // CRC32C(4) + MAGIC(4)

	// Per-block header: rowCount(u16) firstTs(i64) presenceLen(u32) encLen(u32)
	blockHeaderSize = 2 + 8 + 4 + 4
)

// castagnoli is the CRC32C polynomial table used for chunk checksums.
var castagnoli = crc32.MakeTable(crc32.Castagnoli)

// Checksum computes the CRC32C of a byte slice.
func Checksum(data []byte) uint32 {
	return crc32.Checksum(data, castagnoli)
}

// Meta summarizes a written chunk for catalogue publication.
type Meta struct {
	StationID    string
	PartitionDay int32
	RowCount     uint32
	FirstTs      int64
	LastTs       int64
	ByteSize     int64
}
