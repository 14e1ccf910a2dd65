// Package verifyd verifies email deliverability. A Verifier parses the
// address, screens disposable domains, resolves MX and DMARC records, and
// holds an SMTP conversation with the primary exchanger up to RCPT TO, so
// no message is ever sent. A second RCPT against a generated nonexistent
// mailbox distinguishes real acceptance from catch-all configuration.
//
// Results come back as a Result record rather than an error: a dead
// mailbox, a missing MX, or an unreachable server are answers, not
// failures.
package verifyd

import (
	"context"
	"net"

	"github.com/optimode/verifyd/internal/dnsx"
	"github.com/optimode/verifyd/internal/smtpprobe"
)

// DNSClient is the resolver surface the pipeline needs. net.DefaultResolver
// satisfies it; tests substitute mockdns.
type DNSClient interface {
	LookupMX(ctx context.Context, name string) ([]*net.MX, error)
	LookupTXT(ctx context.Context, name string) ([]string, error)
}

// StageLog is one timestamped step of the SMTP conversation, delivered to
// the Observer and suitable for serving to API clients as-is.
type StageLog = smtpprobe.StageLog

// Stage identifies a step of the SMTP conversation.
type Stage = smtpprobe.Stage

// Observer receives stage logs as the probe produces them.
type Observer = smtpprobe.Observer

// DMARCRecord is the parsed _dmarc TXT policy for a domain.
type DMARCRecord = dnsx.DMARC
