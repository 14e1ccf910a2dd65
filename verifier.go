package verifyd

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/optimode/verifyd/internal/disposable"
	"github.com/optimode/verifyd/internal/dnscache"
	"github.com/optimode/verifyd/internal/dnsx"
	"github.com/optimode/verifyd/internal/parse"
	"github.com/optimode/verifyd/internal/pool"
	"github.com/optimode/verifyd/internal/providers"
	"github.com/optimode/verifyd/internal/smtpprobe"
)

// Verifier composes the verification pipeline for one address: syntax,
// disposable-domain check, DNS (MX + DMARC), the SMTP probe, and status
// synthesis. Construct with New; a Verifier is safe for concurrent use.
type Verifier struct {
	opts     Options
	resolver *dnsx.Resolver
	mxCache  *dnscache.Cache
	prober   Prober
	log      *zap.Logger
	pool     *pool.Pool[Result]
}

// New creates a Verifier from opts.
func New(opts Options) *Verifier {
	opts.fillDefaults()

	v := &Verifier{
		opts: opts,
		log:  opts.Logger,
	}
	v.resolver = dnsx.New(opts.Resolver, opts.DNSTimeout, opts.Logger)
	v.mxCache = dnscache.New(v.resolver.MX, opts.MXCacheTTL)

	v.prober = opts.Prober
	if v.prober == nil {
		v.prober = smtpprobe.New(smtpprobe.Config{
			HeloDomain: opts.HeloDomain,
			MailFrom:   opts.MailFrom,
			Port:       opts.SMTPPort,
			Timeout:    opts.SMTPTimeout,
			HostRate:   rate.Limit(opts.HostRate),
			Logger:     opts.Logger,
		})
	}

	v.pool = pool.New[Result](opts.Workers)
	return v
}

// Close shuts down the bulk worker pool. Queued bulk work is cancelled;
// in-flight verifications run to their deadline.
func (v *Verifier) Close() {
	v.pool.Terminate()
}

// Verify runs the full pipeline for one address and returns the public
// result record. Verification failures (bad syntax, dead mailbox, network
// trouble) are encoded in the record, never returned as an error; nothing
// escapes the pipeline.
func (v *Verifier) Verify(ctx context.Context, email string) Result {
	start := time.Now()
	addr := parse.Split(email)

	o := v.verify(ctx, addr)
	o.duration = time.Since(start)

	if v.opts.Metrics != nil {
		v.opts.Metrics.Record(start, o.valid)
	}

	res := mapResult(addr, o)
	v.log.Debug("verified address",
		zap.String("email", email),
		zap.String("status", res.Status),
		zap.Duration("duration", o.duration))
	return res
}

// VerifyBulk verifies the addresses concurrently, at most Workers at a
// time, and returns results aligned to the input order with the Email
// field populated. Per-task failures surface as error-status records, so
// the slice always has len(emails) entries.
func (v *Verifier) VerifyBulk(ctx context.Context, emails []string) ([]Result, error) {
	if v.opts.MaxBulkEmails > 0 && len(emails) > v.opts.MaxBulkEmails {
		return nil, fmt.Errorf("%w: %d > %d", ErrTooManyEmails, len(emails), v.opts.MaxBulkEmails)
	}

	futs := make([]*pool.Future[Result], len(emails))
	for i, email := range emails {
		email := email
		futs[i] = v.pool.Submit(ctx, func(ctx context.Context) (Result, error) {
			return v.Verify(ctx, email), nil
		})
	}

	results := make([]Result, len(emails))
	for i, fut := range futs {
		res, err := fut.Wait(ctx)
		if err != nil {
			// Pool-level failure (termination, panic): translate to the
			// error-status shape instead of re-throwing to the caller.
			res = mapResult(parse.Split(emails[i]), outcome{
				errKind: KindSystemError,
				reason:  "Verification could not be completed",
			})
			v.log.Warn("bulk task failed", zap.String("email", emails[i]), zap.Error(err))
		}
		res.Email = emails[i]
		results[i] = res
	}
	return results, nil
}

// verify produces the internal outcome for a parsed address.
func (v *Verifier) verify(ctx context.Context, addr parse.Address) (o outcome) {
	defer func() {
		if r := recover(); r != nil {
			v.log.Error("panic in verification pipeline", zap.Any("panic", r))
			o = outcome{errKind: KindSystemError, reason: "Internal error during verification"}
		}
	}()

	if !addr.Valid {
		return outcome{errKind: KindFormatError, reason: "Invalid email format"}
	}

	if disposable.Has(addr.Domain) {
		return outcome{errKind: KindDisposable, reason: "Disposable email addresses are not allowed"}
	}

	// DMARC is advisory and independent of the SMTP path, so it runs in
	// parallel with the MX lookup and probe.
	dmarcCh := make(chan *dnsx.DMARC, 1)
	go func() {
		dmarcCh <- v.resolver.DMARC(ctx, addr.Domain)
	}()

	o = v.probe(ctx, addr)
	o.dmarc = <-dmarcCh
	o.isCorporate = providers.IsCorporate(addr.Domain)

	// Catch-all synthesis: acceptance of a nonexistent probe address
	// makes mailbox existence unknowable. Corporate domains configure
	// this deliberately and stay deliverable; for anyone else the
	// verification fails.
	if o.valid && o.isCatchAll && !o.isCorporate {
		o.valid = false
		o.errKind = KindCatchAllDetected
		o.reason = "Catch-all domain detected"
	}
	return o
}

// probe resolves the MX set and runs the SMTP conversation against the
// primary exchanger.
func (v *Verifier) probe(ctx context.Context, addr parse.Address) outcome {
	mxs, err := v.mxCache.MX(ctx, addr.Domain)
	if err != nil {
		if errors.Is(err, dnsx.ErrNoMX) {
			return outcome{errKind: KindNoMXRecord, reason: "No MX records found for domain"}
		}
		return outcome{errKind: KindDNSError, reason: "DNS lookup failed"}
	}
	primary := mxs[0].Host

	res, err := v.prober.Probe(ctx, primary, addr.Raw, v.opts.Observer)
	if err != nil {
		o := outcome{mxRecord: primary, logs: res.Logs}
		var perr *smtpprobe.Error
		if errors.As(err, &perr) {
			o.errKind = ErrorKind(perr.Kind)
			o.reason = reasonFor(o.errKind)
		} else {
			o.errKind = KindUnknownError
			o.reason = "SMTP verification failed"
		}
		return o
	}

	return outcome{
		valid:      true,
		mxRecord:   primary,
		isCatchAll: res.Verdict == smtpprobe.VerdictCatchAll,
		logs:       res.Logs,
	}
}

// reasonFor supplies the human-readable phrase for an SMTP-layer failure.
func reasonFor(kind ErrorKind) string {
	switch kind {
	case KindConnectionError:
		return "Could not connect to mail server"
	case KindTimeoutError:
		return "SMTP conversation timed out"
	case KindGreetingError:
		return "Mail server rejected the connection"
	case KindHeloError:
		return "Mail server rejected HELO"
	case KindMailFromError:
		return "Mail server rejected the sender"
	case KindRcptToError:
		return "Mail server rejected the recipient"
	case KindMailboxNotFound:
		return "Mailbox does not exist"
	default:
		return "SMTP verification failed"
	}
}
