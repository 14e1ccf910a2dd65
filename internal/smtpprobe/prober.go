// Package smtpprobe drives the SMTP conversation that decides whether a
// mail exchanger accepts a recipient. One probe means one short-lived TCP
// connection, one recipient, and an explicit pass through the stages
// connect, greeting, HELO, MAIL FROM, RCPT TO and a catch-all check.
// Connections are never reused across recipients.
package smtpprobe

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// Config configures a Prober.
type Config struct {
	// HeloDomain is sent in the HELO command and forms the MAIL FROM
	// address. It is an opaque identifier and does not need to resolve.
	// Default: "verify.local".
	HeloDomain string

	// MailFrom overrides the envelope sender. Default: "verify@<HeloDomain>".
	MailFrom string

	// Port is the SMTP port. Default: "25".
	Port string

	// Timeout is the overall deadline for the whole conversation, from
	// connect to terminal state. Default: 10s.
	Timeout time.Duration

	// HostRate caps probes per second against a single MX host, so bulk
	// runs do not hammer one provider. Zero disables pacing.
	HostRate rate.Limit

	// HostBurst is the pacing burst size. Default: 1 when HostRate is set.
	HostBurst int

	// Dial is injectable for tests. Defaults to a net.Dialer.
	Dial func(ctx context.Context, network, address string) (net.Conn, error)

	// Logger is optional.
	Logger *zap.Logger
}

// Prober performs SMTP mailbox probes.
type Prober struct {
	cfg Config
	log *zap.Logger
	seq atomic.Uint64

	mu    sync.Mutex
	hosts map[string]*rate.Limiter
}

// New creates a Prober, applying defaults for unset config values.
func New(cfg Config) *Prober {
	if cfg.HeloDomain == "" {
		cfg.HeloDomain = "verify.local"
	}
	if cfg.MailFrom == "" {
		cfg.MailFrom = "verify@" + cfg.HeloDomain
	}
	if cfg.Port == "" {
		cfg.Port = "25"
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	if cfg.HostRate > 0 && cfg.HostBurst <= 0 {
		cfg.HostBurst = 1
	}
	if cfg.Dial == nil {
		d := &net.Dialer{}
		cfg.Dial = d.DialContext
	}
	log := cfg.Logger
	if log == nil {
		log = zap.NewNop()
	}
	return &Prober{cfg: cfg, log: log, hosts: make(map[string]*rate.Limiter)}
}

// Probe runs the state machine against mxHost for recipient. On success the
// returned Result carries the verdict and the full stage log. On failure the
// error is a *Error whose Kind is a taxonomy tag; the partial stage log is
// still returned. obs may be nil.
//
// The socket is closed exactly once on every exit path, and QUIT is
// attempted best-effort before closing whenever the connection came up.
func (p *Prober) Probe(ctx context.Context, mxHost, recipient string, obs Observer) (Result, error) {
	ctx, cancel := context.WithTimeout(ctx, p.cfg.Timeout)
	defer cancel()

	p.log.Debug("probing mailbox",
		zap.String("mx", mxHost),
		zap.String("recipient", recipient))

	s := &session{obs: obs}

	if err := p.waitHost(ctx, mxHost); err != nil {
		s.finish(StageConnect, time.Now(), false, "timeout", "", "")
		return s.result(), &Error{Stage: StageConnect, Kind: KindTimeoutError, Err: err}
	}

	// CONNECT
	start := time.Now()
	addr := net.JoinHostPort(mxHost, p.cfg.Port)
	conn, err := p.cfg.Dial(ctx, "tcp", addr)
	if err != nil {
		kind := classifyIO(ctx, err)
		s.finish(StageConnect, start, false, kindLabel(kind), "", "")
		return s.result(), &Error{Stage: StageConnect, Kind: kind, Err: err}
	}
	s.conn = conn
	s.br = bufio.NewReader(conn)
	defer s.close()
	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(deadline)
	}
	s.finish(StageConnect, start, true, "", "", "")

	// GREETING: the peer speaks first.
	start = time.Now()
	code, reply, err := s.read()
	if err != nil {
		kind := classifyIO(ctx, err)
		s.finish(StageGreeting, start, false, kindLabel(kind), "", reply)
		return s.result(), &Error{Stage: StageGreeting, Kind: kind, Reply: reply, Err: err}
	}
	if code != 220 {
		s.finish(StageGreeting, start, false, "unexpected banner", "", reply)
		return s.result(), &Error{Stage: StageGreeting, Kind: KindGreetingError, Reply: reply}
	}
	s.finish(StageGreeting, start, true, "", "", reply)

	// HELO
	req := "HELO " + p.cfg.HeloDomain
	if err := s.expect250(ctx, StageHelo, req, KindHeloError); err != nil {
		return s.result(), err
	}

	// MAIL FROM
	req = "MAIL FROM:<" + p.cfg.MailFrom + ">"
	if err := s.expect250(ctx, StageMailFrom, req, KindMailFromError); err != nil {
		return s.result(), err
	}

	// RCPT TO
	start = time.Now()
	req = "RCPT TO:<" + recipient + ">"
	code, reply, err = s.cmd(req)
	if err != nil {
		kind := classifyIO(ctx, err)
		s.finish(StageRcptTo, start, false, kindLabel(kind), req, reply)
		return s.result(), &Error{Stage: StageRcptTo, Kind: kind, Reply: reply, Err: err}
	}
	if code != 250 {
		if rejectedMailbox(code, reply) {
			s.finish(StageRcptTo, start, false, "mailbox not found", req, reply)
			return s.result(), &Error{Stage: StageRcptTo, Kind: KindMailboxNotFound, Reply: reply}
		}
		s.finish(StageRcptTo, start, false, "unexpected reply", req, reply)
		return s.result(), &Error{Stage: StageRcptTo, Kind: KindRcptToError, Reply: reply}
	}
	s.finish(StageRcptTo, start, true, "", req, reply)

	// CATCH_ALL_CHECK: probe an address that is practically certain not to
	// exist. If the peer accepts it too, acceptance of the real recipient
	// proves nothing.
	start = time.Now()
	req = "RCPT TO:<" + p.probeAddress(recipient) + ">"
	code, reply, err = s.cmd(req)
	if err != nil {
		kind := classifyIO(ctx, err)
		s.finish(StageCatchAllCheck, start, false, kindLabel(kind), req, reply)
		return s.result(), &Error{Stage: StageCatchAllCheck, Kind: kind, Reply: reply, Err: err}
	}
	verdict := VerdictDeliverable
	if code == 250 {
		verdict = VerdictCatchAll
	}
	s.finish(StageCatchAllCheck, start, true, "", req, reply)

	res := s.result()
	res.Verdict = verdict
	return res, nil
}

// expect250 runs one command stage that must be answered with 250.
func (s *session) expect250(ctx context.Context, stage Stage, req, failKind string) error {
	start := time.Now()
	code, reply, err := s.cmd(req)
	if err != nil {
		kind := classifyIO(ctx, err)
		s.finish(stage, start, false, kindLabel(kind), req, reply)
		return &Error{Stage: stage, Kind: kind, Reply: reply, Err: err}
	}
	if code != 250 {
		s.finish(stage, start, false, "unexpected reply", req, reply)
		return &Error{Stage: stage, Kind: failKind, Reply: reply}
	}
	s.finish(stage, start, true, "", req, reply)
	return nil
}

// probeAddress builds the catch-all probe recipient: a short literal prefix
// plus a monotonic high-entropy token at the recipient's domain.
func (p *Prober) probeAddress(recipient string) string {
	domain := recipient
	if at := strings.LastIndex(recipient, "@"); at >= 0 {
		domain = recipient[at+1:]
	}
	token := uuid.NewString()[:8]
	return fmt.Sprintf("test%d%s@%s", p.seq.Add(1), token, domain)
}

// waitHost applies per-MX-host pacing.
func (p *Prober) waitHost(ctx context.Context, mxHost string) error {
	if p.cfg.HostRate <= 0 {
		return nil
	}
	p.mu.Lock()
	lim, ok := p.hosts[strings.ToLower(mxHost)]
	if !ok {
		lim = rate.NewLimiter(p.cfg.HostRate, p.cfg.HostBurst)
		p.hosts[strings.ToLower(mxHost)] = lim
	}
	p.mu.Unlock()
	return lim.Wait(ctx)
}

// rejectedMailbox reports whether an RCPT TO reply is a definitive
// "mailbox does not exist" rather than a transient or policy failure.
func rejectedMailbox(code int, reply string) bool {
	switch code {
	case 550, 551, 553, 501, 504, 511, 554:
		return true
	}
	return strings.Contains(strings.ToLower(reply), "does not exist")
}

// session owns the connection and the accumulated stage log for one probe.
type session struct {
	obs    Observer
	conn   net.Conn
	br     *bufio.Reader
	logs   []StageLog
	closed bool
}

func (s *session) result() Result { return Result{Logs: s.logs} }

// finish appends a stage log and notifies the observer.
func (s *session) finish(stage Stage, start time.Time, success bool, errMsg, req, resp string) {
	entry := StageLog{
		Stage:    stage,
		Start:    start,
		End:      time.Now(),
		Success:  success,
		Error:    errMsg,
		Request:  req,
		Response: resp,
	}
	s.logs = append(s.logs, entry)
	if s.obs != nil {
		s.obs(entry)
	}
}

// close sends a best-effort QUIT and destroys the socket. Idempotent; the
// deferred call in Probe makes it run on every exit path.
func (s *session) close() {
	if s.conn == nil || s.closed {
		return
	}
	s.closed = true

	start := time.Now()
	_ = s.conn.SetDeadline(time.Now().Add(2 * time.Second))
	_, err := s.conn.Write([]byte("QUIT\r\n"))
	s.finish(StageQuit, start, err == nil, "", "QUIT", "")
	_ = s.conn.Close()
}

// cmd writes one command line and reads the reply.
func (s *session) cmd(line string) (int, string, error) {
	if _, err := s.conn.Write([]byte(line + "\r\n")); err != nil {
		return 0, "", err
	}
	return s.read()
}

// read consumes one possibly multi-line SMTP reply ("250-..." continuations
// followed by a final "250 ..."). It returns the reply code of the final
// line and the joined text.
func (s *session) read() (int, string, error) {
	var lines []string
	for {
		line, err := s.br.ReadString('\n')
		if err != nil {
			return 0, strings.Join(lines, " | "), err
		}
		line = strings.TrimRight(line, "\r\n")
		if len(line) < 3 {
			return 0, line, &Error{Stage: "", Kind: KindUnknownError, Reply: line, Err: errors.New("short reply line")}
		}
		lines = append(lines, line)
		if len(line) == 3 || line[3] != '-' {
			code, err := strconv.Atoi(line[:3])
			if err != nil {
				return 0, strings.Join(lines, " | "), &Error{Kind: KindUnknownError, Reply: line, Err: err}
			}
			return code, strings.Join(lines, " | "), nil
		}
	}
}

// classifyIO maps an I/O failure to a taxonomy tag. Deadline expiry at any
// stage is a timeout; other socket errors are connection errors; anything
// unrecognised (malformed reply, mid-command hang-up) is unknown.
func classifyIO(ctx context.Context, err error) string {
	var nerr net.Error
	switch {
	case errors.Is(ctx.Err(), context.DeadlineExceeded):
		return KindTimeoutError
	case errors.As(err, &nerr) && nerr.Timeout():
		return KindTimeoutError
	case isSocketErr(err):
		return KindConnectionError
	default:
		return KindUnknownError
	}
}

func isSocketErr(err error) bool {
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return true
	}
	return errors.Is(err, net.ErrClosed) || strings.Contains(err.Error(), "connection")
}

// kindLabel is the short form used inside stage logs.
func kindLabel(kind string) string {
	if kind == KindTimeoutError {
		return "timeout"
	}
	return strings.TrimSuffix(kind, "_error")
}
