package smtpprobe_test

import (
	"bufio"
	"context"
	"fmt"
	"net"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/optimode/verifyd/internal/smtpprobe"
)

// step is one exchange of a scripted SMTP server: wait for a command with
// the given prefix, answer with the given reply.
type step struct {
	expect string
	reply  string
}

// scriptedServer speaks the server side of a net.Pipe. It sends the banner,
// then walks the script in order. Commands not matched by the current step
// (like the best-effort QUIT) get a generic 250.
func scriptedServer(conn net.Conn, banner string, script []step, seen *[]string, mu *sync.Mutex) {
	defer func() { _ = conn.Close() }()

	_, _ = fmt.Fprintf(conn, "%s\r\n", banner)

	r := bufio.NewReader(conn)
	i := 0
	for {
		line, err := r.ReadString('\n')
		if err != nil {
			return
		}
		line = strings.TrimRight(line, "\r\n")
		if seen != nil {
			mu.Lock()
			*seen = append(*seen, line)
			mu.Unlock()
		}

		if strings.HasPrefix(line, "QUIT") {
			_, _ = fmt.Fprintf(conn, "221 Bye\r\n")
			return
		}
		if i < len(script) && strings.HasPrefix(line, script[i].expect) {
			_, _ = fmt.Fprintf(conn, "%s\r\n", script[i].reply)
			i++
			continue
		}
		_, _ = fmt.Fprintf(conn, "250 OK\r\n")
	}
}

func newProber(t *testing.T, banner string, script []step, seen *[]string, mu *sync.Mutex) *smtpprobe.Prober {
	t.Helper()
	return smtpprobe.New(smtpprobe.Config{
		HeloDomain: "verify.local",
		Timeout:    5 * time.Second,
		Dial: func(_ context.Context, _, _ string) (net.Conn, error) {
			client, server := net.Pipe()
			go scriptedServer(server, banner, script, seen, mu)
			return client, nil
		},
	})
}

func TestProbeDeliverable(t *testing.T) {
	p := newProber(t, "220 mx.example.com ESMTP", []step{
		{"HELO", "250 mx.example.com"},
		{"MAIL FROM", "250 OK"},
		{"RCPT TO", "250 OK"},
		{"RCPT TO", "550 No such user"}, // catch-all probe rejected
	}, nil, nil)

	res, err := p.Probe(context.Background(), "mx.example.com", "user@example.com", nil)
	require.NoError(t, err)
	assert.Equal(t, smtpprobe.VerdictDeliverable, res.Verdict)

	var stages []smtpprobe.Stage
	for _, l := range res.Logs {
		stages = append(stages, l.Stage)
		assert.True(t, l.Success, "stage %s", l.Stage)
	}
	assert.Equal(t, []smtpprobe.Stage{
		smtpprobe.StageConnect,
		smtpprobe.StageGreeting,
		smtpprobe.StageHelo,
		smtpprobe.StageMailFrom,
		smtpprobe.StageRcptTo,
		smtpprobe.StageCatchAllCheck,
		smtpprobe.StageQuit,
	}, stages)
}

func TestProbeCatchAll(t *testing.T) {
	var seen []string
	var mu sync.Mutex
	p := newProber(t, "220 mx.example.com ESMTP", []step{
		{"HELO", "250 mx.example.com"},
		{"MAIL FROM", "250 OK"},
		{"RCPT TO", "250 OK"},
		{"RCPT TO", "250 OK"}, // probe accepted too
	}, &seen, &mu)

	res, err := p.Probe(context.Background(), "mx.example.com", "user@example.com", nil)
	require.NoError(t, err)
	assert.Equal(t, smtpprobe.VerdictCatchAll, res.Verdict)

	// The second RCPT TO must target a synthetic mailbox at the
	// recipient's domain.
	mu.Lock()
	defer mu.Unlock()
	var rcpts []string
	for _, line := range seen {
		if strings.HasPrefix(line, "RCPT TO") {
			rcpts = append(rcpts, line)
		}
	}
	require.Len(t, rcpts, 2)
	assert.Equal(t, "RCPT TO:<user@example.com>", rcpts[0])
	assert.Contains(t, rcpts[1], "RCPT TO:<test")
	assert.Contains(t, rcpts[1], "@example.com>")
	assert.NotEqual(t, rcpts[0], rcpts[1])
}

func TestProbeMailboxNotFound(t *testing.T) {
	for _, code := range []int{550, 551, 553, 501, 504, 554} {
		t.Run(fmt.Sprint(code), func(t *testing.T) {
			p := newProber(t, "220 mx ESMTP", []step{
				{"HELO", "250 mx"},
				{"MAIL FROM", "250 OK"},
				{"RCPT TO", fmt.Sprintf("%d Rejected", code)},
			}, nil, nil)

			_, err := p.Probe(context.Background(), "mx.example.com", "user@example.com", nil)
			var perr *smtpprobe.Error
			require.ErrorAs(t, err, &perr)
			assert.Equal(t, smtpprobe.KindMailboxNotFound, perr.Kind)
			assert.Equal(t, smtpprobe.StageRcptTo, perr.Stage)
		})
	}
}

func TestProbeMailboxNotFoundByText(t *testing.T) {
	p := newProber(t, "220 mx ESMTP", []step{
		{"HELO", "250 mx"},
		{"MAIL FROM", "250 OK"},
		{"RCPT TO", "450 mailbox does not exist"},
	}, nil, nil)

	_, err := p.Probe(context.Background(), "mx.example.com", "user@example.com", nil)
	var perr *smtpprobe.Error
	require.ErrorAs(t, err, &perr)
	assert.Equal(t, smtpprobe.KindMailboxNotFound, perr.Kind)
}

func TestProbeRcptToTransient(t *testing.T) {
	p := newProber(t, "220 mx ESMTP", []step{
		{"HELO", "250 mx"},
		{"MAIL FROM", "250 OK"},
		{"RCPT TO", "452 Too many recipients"},
	}, nil, nil)

	_, err := p.Probe(context.Background(), "mx.example.com", "user@example.com", nil)
	var perr *smtpprobe.Error
	require.ErrorAs(t, err, &perr)
	assert.Equal(t, smtpprobe.KindRcptToError, perr.Kind)
}

func TestProbeGreetingRejected(t *testing.T) {
	p := newProber(t, "554 go away", nil, nil, nil)

	res, err := p.Probe(context.Background(), "mx.example.com", "user@example.com", nil)
	var perr *smtpprobe.Error
	require.ErrorAs(t, err, &perr)
	assert.Equal(t, smtpprobe.KindGreetingError, perr.Kind)

	// Logs still describe what ran: connect succeeded, greeting failed.
	require.GreaterOrEqual(t, len(res.Logs), 2)
	assert.True(t, res.Logs[0].Success)
	assert.False(t, res.Logs[1].Success)
}

func TestProbeHeloRejected(t *testing.T) {
	p := newProber(t, "220 mx ESMTP", []step{
		{"HELO", "501 bad argument"},
	}, nil, nil)

	_, err := p.Probe(context.Background(), "mx.example.com", "user@example.com", nil)
	var perr *smtpprobe.Error
	require.ErrorAs(t, err, &perr)
	assert.Equal(t, smtpprobe.KindHeloError, perr.Kind)
}

func TestProbeMailFromRejected(t *testing.T) {
	p := newProber(t, "220 mx ESMTP", []step{
		{"HELO", "250 mx"},
		{"MAIL FROM", "552 denied"},
	}, nil, nil)

	_, err := p.Probe(context.Background(), "mx.example.com", "user@example.com", nil)
	var perr *smtpprobe.Error
	require.ErrorAs(t, err, &perr)
	assert.Equal(t, smtpprobe.KindMailFromError, perr.Kind)
}

func TestProbeMultilineReply(t *testing.T) {
	p := smtpprobe.New(smtpprobe.Config{
		HeloDomain: "verify.local",
		Timeout:    5 * time.Second,
		Dial: func(_ context.Context, _, _ string) (net.Conn, error) {
			client, server := net.Pipe()
			go func() {
				defer func() { _ = server.Close() }()
				_, _ = fmt.Fprintf(server, "220 mx ESMTP\r\n")
				r := bufio.NewReader(server)
				if _, err := r.ReadString('\n'); err != nil {
					return
				}
				// Continuation lines followed by the final 250.
				_, _ = fmt.Fprintf(server, "250-mx.example.com\r\n250-SIZE 35882577\r\n250 STARTTLS\r\n")
				for {
					line, err := r.ReadString('\n')
					if err != nil {
						return
					}
					if strings.HasPrefix(line, "QUIT") {
						return
					}
					_, _ = fmt.Fprintf(server, "250 OK\r\n")
				}
			}()
			return client, nil
		},
	})

	res, err := p.Probe(context.Background(), "mx.example.com", "user@example.com", nil)
	require.NoError(t, err)
	assert.Equal(t, smtpprobe.VerdictCatchAll, res.Verdict)
}

func TestProbeConnectError(t *testing.T) {
	p := smtpprobe.New(smtpprobe.Config{
		Timeout: time.Second,
		Dial: func(_ context.Context, _, _ string) (net.Conn, error) {
			return nil, &net.OpError{Op: "dial", Err: fmt.Errorf("connection refused")}
		},
	})

	res, err := p.Probe(context.Background(), "mx.example.com", "user@example.com", nil)
	var perr *smtpprobe.Error
	require.ErrorAs(t, err, &perr)
	assert.Equal(t, smtpprobe.KindConnectionError, perr.Kind)

	// At least one log entry always exists, describing the earliest stage.
	require.Len(t, res.Logs, 1)
	assert.Equal(t, smtpprobe.StageConnect, res.Logs[0].Stage)
	assert.False(t, res.Logs[0].Success)
}

func TestProbeTimeoutAgainstBlackHole(t *testing.T) {
	start := time.Now()
	p := smtpprobe.New(smtpprobe.Config{
		Timeout: 300 * time.Millisecond,
		Dial: func(_ context.Context, _, _ string) (net.Conn, error) {
			client, server := net.Pipe()
			// Banner, then silence.
			go func() { _, _ = fmt.Fprintf(server, "220 mx ESMTP\r\n") }()
			return client, nil
		},
	})

	res, err := p.Probe(context.Background(), "mx.example.com", "user@example.com", nil)
	elapsed := time.Since(start)

	var perr *smtpprobe.Error
	require.ErrorAs(t, err, &perr)
	assert.Equal(t, smtpprobe.KindTimeoutError, perr.Kind)
	assert.Less(t, elapsed, 3*time.Second, "must terminate near the deadline")

	last := res.Logs[len(res.Logs)-1]
	if last.Stage == smtpprobe.StageQuit {
		last = res.Logs[len(res.Logs)-2]
	}
	assert.False(t, last.Success)
	assert.Equal(t, "timeout", last.Error)
}

func TestProbeObserverSeesStages(t *testing.T) {
	p := newProber(t, "220 mx ESMTP", []step{
		{"HELO", "250 mx"},
		{"MAIL FROM", "250 OK"},
		{"RCPT TO", "250 OK"},
		{"RCPT TO", "550 no"},
	}, nil, nil)

	var observed []smtpprobe.Stage
	_, err := p.Probe(context.Background(), "mx.example.com", "user@example.com", func(l smtpprobe.StageLog) {
		observed = append(observed, l.Stage)
	})
	require.NoError(t, err)
	assert.Equal(t, smtpprobe.StageConnect, observed[0])
	assert.Contains(t, observed, smtpprobe.StageRcptTo)
}
