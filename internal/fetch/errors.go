package fetch

import "codeberg.org/mutker/svmetrics/internal/errors"

const (
	ErrEmptyEndpoint   = errors.ErrorCode("fetch_empty_endpoint")
	ErrRequestFailed   = errors.ErrorCode("fetch_request_failed")
	ErrBadStatus       = errors.ErrorCode("fetch_bad_status")
	ErrInvalidPerfData = errors.ErrorCode("fetch_invalid_perf_data")
	ErrInvalidPlayers  = errors.ErrorCode("fetch_invalid_players")
	ErrProcessMemory   = errors.ErrorCode("fetch_process_memory_failed")
)
