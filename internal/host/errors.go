package host

import "codeberg.org/mutker/svmetrics/internal/errors"

const (
	ErrNoProcess  = errors.ErrorCode("host_no_process")
	ErrKillFailed = errors.ErrorCode("host_kill_failed")
)
