package collector

import "codeberg.org/mutker/svmetrics/internal/errors"

const (
	// Query Errors
	ErrInvalidThreadName = errors.ErrorCode("invalid_thread_name")
	ErrDataUnavailable   = errors.ErrorCode("data_unavailable")
	ErrInsufficientData  = errors.ErrorCode("insufficient_data")

	// Event Errors
	ErrInvalidMemoryReport = errors.ErrorCode("collector_invalid_memory_report")

	// Collection Errors
	ErrFetchPerf = errors.ErrorCode("collector_fetch_perf_failed")
	ErrSave      = errors.ErrorCode("collector_save_failed")
	ErrArchive   = errors.ErrorCode("collector_archive_read_failed")
)
