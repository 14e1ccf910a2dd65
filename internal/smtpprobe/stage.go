package smtpprobe

import "time"

// Stage identifies one step of the SMTP conversation.
type Stage string

const (
	StageConnect       Stage = "connect"
	StageGreeting      Stage = "greeting"
	StageHelo          Stage = "helo"
	StageMailFrom      Stage = "mail_from"
	StageRcptTo        Stage = "rcpt_to"
	StageCatchAllCheck Stage = "catch_all_check"
	StageQuit          Stage = "quit"
)

// StageLog records the entry and exit of one stage. Logs are appended in
// conversation order and attached to the probe result.
type StageLog struct {
	Stage    Stage     `json:"stage"`
	Start    time.Time `json:"startTime"`
	End      time.Time `json:"endTime"`
	Success  bool      `json:"success"`
	Error    string    `json:"error,omitempty"`
	Request  string    `json:"request,omitempty"`
	Response string    `json:"response,omitempty"`
}

// Observer receives stage logs as they are produced, for live monitoring.
// It is called synchronously from the probing goroutine.
type Observer func(StageLog)

// Verdict is the terminal resolution of a successful probe.
type Verdict string

const (
	// VerdictDeliverable: RCPT TO was accepted and the catch-all probe
	// address was rejected, so the mailbox itself exists.
	VerdictDeliverable Verdict = "deliverable"

	// VerdictCatchAll: the server also accepted a recipient that is
	// practically certain not to exist, so acceptance proves nothing.
	VerdictCatchAll Verdict = "catch_all"
)

// Result is the outcome of a completed probe.
type Result struct {
	Verdict Verdict
	Logs    []StageLog
}
