package verifyd

import "errors"

// ErrorKind is the machine-readable tag attached to a failed verification.
// The values are stable wire strings; callers branch on them, never on
// message text.
type ErrorKind string

const (
	// DNS layer.
	KindDNSError   ErrorKind = "dns_error"
	KindNoMXRecord ErrorKind = "no_mx_record"

	// SMTP layer.
	KindConnectionError  ErrorKind = "connection_error"
	KindTimeoutError     ErrorKind = "timeout_error"
	KindGreetingError    ErrorKind = "greeting_error"
	KindHeloError        ErrorKind = "helo_error"
	KindMailFromError    ErrorKind = "mail_from_error"
	KindRcptToError      ErrorKind = "rcpt_to_error"
	KindMailboxNotFound  ErrorKind = "mailbox_not_found"
	KindCatchAllDetected ErrorKind = "catch_all_detected"
	KindUnknownError     ErrorKind = "unknown_error"

	// Input layer.
	KindFormatError ErrorKind = "format_error"
	KindDisposable  ErrorKind = "disposable"

	// System.
	KindSystemError       ErrorKind = "system_error"
	KindRateLimitExceeded ErrorKind = "rate_limit_exceeded"
)

var (
	// ErrTooManyEmails is returned by VerifyBulk when the input exceeds the
	// configured bulk limit.
	ErrTooManyEmails = errors.New("verifyd: too many emails in bulk request")
)
