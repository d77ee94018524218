// Package errors consolidates the error definitions for the nimbus engine.
//
// This file provides:
// - Sentinel errors for every condition the engine surfaces
// - Category checking functions matching the engine's error model
//   (validation, backpressure, durability, persistence, corruption, fatal)
// - KindOf mapping for machine-readable error kinds at the API boundary
// - Error wrapping utilities
package errors

import (
	"errors"
	"fmt"
)

// ============================================================================
// Sentinel errors
// ============================================================================

var (
	// Validation errors - returned to the caller, no state change.
	ErrSchemaMismatch  = errors.New("schema mismatch")
	ErrOutOfRangeValue = errors.New("value out of range")
	ErrBadTimestamp    = errors.New("bad timestamp")
	ErrNaNDisallowed   = errors.New("NaN is not allowed in float columns")

	// Backpressure errors - retriable, no state change.
	ErrQueueFull       = errors.New("flush queue full")
	ErrDiskLow         = errors.New("disk headroom below threshold")
	ErrMemTableCeiling = errors.New("memtable memory ceiling reached")

	// Durability errors - the write is not acknowledged.
	ErrWalWriteFailed = errors.New("WAL write failed")
	ErrFsyncFailed    = errors.New("fsync failed")
	ErrWalFull        = errors.New("WAL full")

	// Persistence errors - internal, retried by the flush pipeline.
	ErrChunkWriteFailed       = errors.New("chunk write failed")
	ErrCataloguePublishFailed = errors.New("catalogue publish failed")

	// Corruption errors - surfaced and quarantined, never auto-repaired.
	ErrChunkChecksumFail = errors.New("chunk checksum mismatch")
	ErrCatalogueCorrupt  = errors.New("catalogue corrupt")

	// Fatal errors - the engine refuses to start.
	ErrDataDirInaccessible = errors.New("data directory inaccessible")
	ErrLockHeld            = errors.New("data directory lock held by another process")

	// Lifecycle errors.
	ErrShutdown = errors.New("engine is shut down")
	ErrDegraded = errors.New("engine is in degraded mode")

	// Decode errors shared by the codecs and file readers.
	ErrShortStream   = errors.New("unexpected end of encoded stream")
	ErrBadMagic      = errors.New("bad magic bytes")
	ErrBadVersion    = errors.New("unsupported format version")
	ErrTruncatedFile = errors.New("file truncated")
)

// ============================================================================
// Helper functions for error checking
// ============================================================================

// Is is a convenience wrapper for errors.Is
var Is = errors.Is

// As is a convenience wrapper for errors.As
var As = errors.As

// New is a convenience wrapper for errors.New
var New = errors.New

// IsValidation returns true if err is a validation error.
// Validation errors are returned to the caller and cause no state change.
func IsValidation(err error) bool {
	return errors.Is(err, ErrSchemaMismatch) ||
		errors.Is(err, ErrOutOfRangeValue) ||
		errors.Is(err, ErrBadTimestamp) ||
		errors.Is(err, ErrNaNDisallowed)
}

// IsBackpressure returns true if err signals the caller to back off and retry.
func IsBackpressure(err error) bool {
	return errors.Is(err, ErrQueueFull) ||
		errors.Is(err, ErrDiskLow) ||
		errors.Is(err, ErrMemTableCeiling)
}

// IsDurability returns true if err means a write was not acknowledged.
func IsDurability(err error) bool {
	return errors.Is(err, ErrWalWriteFailed) ||
		errors.Is(err, ErrFsyncFailed) ||
		errors.Is(err, ErrWalFull)
}

// IsPersistence returns true if err is an internal flush-pipeline failure.
func IsPersistence(err error) bool {
	return errors.Is(err, ErrChunkWriteFailed) ||
		errors.Is(err, ErrCataloguePublishFailed)
}

// IsCorruption returns true if err indicates on-disk corruption.
func IsCorruption(err error) bool {
	return errors.Is(err, ErrChunkChecksumFail) ||
		errors.Is(err, ErrCatalogueCorrupt) ||
		errors.Is(err, ErrBadMagic) ||
		errors.Is(err, ErrBadVersion) ||
		errors.Is(err, ErrTruncatedFile)
}

// IsFatal returns true if err prevents the engine from starting.
func IsFatal(err error) bool {
	return errors.Is(err, ErrDataDirInaccessible) ||
		errors.Is(err, ErrLockHeld)
}

// IsRetriable returns true if the operation may succeed on retry.
func IsRetriable(err error) bool {
	return IsBackpressure(err)
}

// ============================================================================
// Machine-readable kinds
// ============================================================================

// KindOf returns the machine-readable kind string for an engine error.
// API callers branch on this rather than on error text.
func KindOf(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrSchemaMismatch):
		return "SchemaMismatch"
	case errors.Is(err, ErrOutOfRangeValue):
		return "OutOfRangeValue"
	case errors.Is(err, ErrBadTimestamp):
		return "BadTimestamp"
	case errors.Is(err, ErrNaNDisallowed):
		return "NaNDisallowed"
	case errors.Is(err, ErrQueueFull), errors.Is(err, ErrDiskLow), errors.Is(err, ErrMemTableCeiling):
		return "Backpressure"
	case errors.Is(err, ErrWalFull):
		return "WalFull"
	case errors.Is(err, ErrWalWriteFailed):
		return "WalWriteFailed"
	case errors.Is(err, ErrFsyncFailed):
		return "FsyncFailed"
	case errors.Is(err, ErrChunkWriteFailed):
		return "ChunkWriteFailed"
	case errors.Is(err, ErrCataloguePublishFailed):
		return "CataloguePublishFailed"
	case errors.Is(err, ErrChunkChecksumFail):
		return "ChunkChecksumFail"
	case errors.Is(err, ErrCatalogueCorrupt):
		return "CatalogueCorrupt"
	case errors.Is(err, ErrDataDirInaccessible):
		return "DataDirInaccessible"
	case errors.Is(err, ErrLockHeld):
		return "LockHeld"
	case errors.Is(err, ErrShutdown):
		return "Shutdown"
	case errors.Is(err, ErrDegraded):
		return "Degraded"
	default:
		return "Internal"
	}
}

// ============================================================================
// Wrapping utilities
// ============================================================================

// Wrap wraps an error with a message while preserving the sentinel chain.
func Wrap(err error, msg string) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", msg, err)
}

// Wrapf wraps an error with a formatted message.
func Wrapf(err error, format string, args ...any) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf(format+": %w", append(args, err)...)
}
