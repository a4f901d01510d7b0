package statslog

import "codeberg.org/mutker/svmetrics/internal/errors"

const (
	ErrStateNotFound = errors.ErrorCode("statslog_state_not_found")
	ErrStateVersion  = errors.ErrorCode("statslog_state_version_mismatch")
	ErrStateInvalid  = errors.ErrorCode("statslog_state_invalid")
	ErrStateWrite    = errors.ErrorCode("statslog_state_write_failed")
	ErrStateBackup   = errors.ErrorCode("statslog_state_backup_failed")
)
