package verifyd

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/optimode/verifyd/internal/smtpprobe"
)

// Prober abstracts the SMTP conversation so tests can substitute a fake.
type Prober interface {
	Probe(ctx context.Context, mxHost, recipient string, obs smtpprobe.Observer) (smtpprobe.Result, error)
}

// MetricsSink receives one (startTime, success) sample per verification,
// on every exit path.
type MetricsSink interface {
	Record(start time.Time, success bool)
}

// Options configures a Verifier. The zero value works; unset fields get
// defaults.
type Options struct {
	// HeloDomain is the identity announced to mail exchangers. It is an
	// opaque value and does not need to resolve. Default: "verify.local".
	HeloDomain string

	// MailFrom is the envelope sender of the probe.
	// Default: "verify@<HeloDomain>".
	MailFrom string

	// SMTPPort allows redirecting probes away from port 25 in
	// environments that block outbound 25. Default: "25".
	SMTPPort string

	// SMTPTimeout is the overall deadline for one SMTP conversation.
	// Default: 10s.
	SMTPTimeout time.Duration

	// DNSTimeout bounds each DNS query. Default: 5s.
	DNSTimeout time.Duration

	// MXCacheTTL is how long MX answers are reused. Default: 5m.
	MXCacheTTL time.Duration

	// HostRate caps SMTP probes per second against one MX host.
	// Zero disables pacing.
	HostRate float64

	// Workers bounds concurrent verifications in VerifyBulk.
	// Default: max(2, min(4, NumCPU-1)).
	Workers int

	// MaxBulkEmails rejects oversized VerifyBulk inputs. Zero means no
	// library-level cap (the HTTP boundary applies its own).
	MaxBulkEmails int

	// Resolver is injectable for tests; nil uses net.DefaultResolver.
	Resolver DNSClient

	// Prober is injectable for tests; nil builds the real SMTP prober
	// from the settings above.
	Prober Prober

	// Metrics receives a sample per verification; nil discards.
	Metrics MetricsSink

	// Observer, when set, receives SMTP stage logs as they happen.
	Observer smtpprobe.Observer

	// Logger is optional.
	Logger *zap.Logger
}

func (o *Options) fillDefaults() {
	if o.HeloDomain == "" {
		o.HeloDomain = "verify.local"
	}
	if o.MailFrom == "" {
		o.MailFrom = "verify@" + o.HeloDomain
	}
	if o.SMTPPort == "" {
		o.SMTPPort = "25"
	}
	if o.SMTPTimeout <= 0 {
		o.SMTPTimeout = 10 * time.Second
	}
	if o.DNSTimeout <= 0 {
		o.DNSTimeout = 5 * time.Second
	}
	if o.MXCacheTTL <= 0 {
		o.MXCacheTTL = 5 * time.Minute
	}
	if o.Logger == nil {
		o.Logger = zap.NewNop()
	}
}
