package models

// DeadLetterReason represents why a job was sent to the DLQ
type DeadLetterReason string

const (
	DLQReasonMaxRetries DeadLetterReason = "max_retries_exceeded"
	DLQReasonInvalidJob DeadLetterReason = "invalid_job"
	DLQReasonAuthError  DeadLetterReason = "auth_error"
	DLQReasonPanic      DeadLetterReason = "panic"
	DLQReasonUnknown    DeadLetterReason = "unknown"
)
