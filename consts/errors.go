package consts

import "errors"

var (
	ErrMessageNotFound  = errors.New("message not found")
	ErrTenantNotFound   = errors.New("tenant not found")
	ErrRuleNotFound     = errors.New("rule not found")
	ErrMalformedMessage = errors.New("malformed message")
	ErrMessageTooLarge  = errors.New("message exceeds size limit")
	ErrAlreadyFinalized = errors.New("message already processed")

	ErrDBNotFound                = errors.New("not found")
	ErrDBUniqueViolation         = errors.New("unique violation")
	ErrDBCommitTransactionFailed = errors.New("commit failed")
	ErrDBBeginTransactionFailed  = errors.New("start transaction failed")
	ErrDBInsertFailed            = errors.New("insert failed")

	ErrS3UploadFailed     = errors.New("s3 upload failed")
	ErrChecksumMismatch   = errors.New("attachment checksum mismatch")
	ErrRelayNotConfigured = errors.New("relay not configured")
	ErrForwardTargetEmpty = errors.New("forward rule has no target")
)
