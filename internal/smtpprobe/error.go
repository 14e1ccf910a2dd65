package smtpprobe

import "fmt"

// Error kind tags. They mirror the public verification taxonomy so the
// verifier can lift them into its result record unchanged.
const (
	KindConnectionError = "connection_error"
	KindTimeoutError    = "timeout_error"
	KindGreetingError   = "greeting_error"
	KindHeloError       = "helo_error"
	KindMailFromError   = "mail_from_error"
	KindRcptToError     = "rcpt_to_error"
	KindMailboxNotFound = "mailbox_not_found"
	KindUnknownError    = "unknown_error"
)

// Error is a failed probe: which stage failed, the taxonomy tag, and the
// peer's reply when one was read.
type Error struct {
	Stage Stage
	Kind  string
	Reply string
	Err   error
}

func (e *Error) Error() string {
	if e.Reply != "" {
		return fmt.Sprintf("smtpprobe: %s failed (%s): %s", e.Stage, e.Kind, e.Reply)
	}
	if e.Err != nil {
		return fmt.Sprintf("smtpprobe: %s failed (%s): %v", e.Stage, e.Kind, e.Err)
	}
	return fmt.Sprintf("smtpprobe: %s failed (%s)", e.Stage, e.Kind)
}

func (e *Error) Unwrap() error { return e.Err }
