// Package dnsx resolves the DNS records the verification pipeline depends
// on: MX records for a domain and the DMARC policy published under
// _dmarc.<domain>.
package dnsx

import (
	"context"
	"errors"
	"net"
	"sort"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"
)

// ErrNoMX reports a lookup that found no MX records, which means the
// domain does not accept mail. Go's resolver reports both NXDOMAIN and an
// empty answer as "no such host", so both map here; transient failures
// (SERVFAIL, timeout) surface as the resolver's own error instead.
var ErrNoMX = errors.New("dnsx: no MX records")

// Client is the subset of net.Resolver the package needs. mockdns.Resolver
// satisfies it too, which is how the tests run without real DNS.
type Client interface {
	LookupMX(ctx context.Context, name string) ([]*net.MX, error)
	LookupTXT(ctx context.Context, name string) ([]string, error)
}

// Resolver performs MX and DMARC lookups with a per-query timeout.
type Resolver struct {
	client  Client
	timeout time.Duration
	log     *zap.Logger
}

// New creates a Resolver backed by the given client. A nil client uses
// net.DefaultResolver; a nil logger discards.
func New(client Client, timeout time.Duration, log *zap.Logger) *Resolver {
	if client == nil {
		client = net.DefaultResolver
	}
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Resolver{client: client, timeout: timeout, log: log}
}

// MX returns the domain's MX records sorted ascending by preference, so the
// head is the primary exchanger. A successful empty answer maps to ErrNoMX.
// No retries; transient failures propagate to the caller.
func (r *Resolver) MX(ctx context.Context, domain string) ([]*net.MX, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	records, err := r.client.LookupMX(ctx, domain)
	if err != nil {
		var dnsErr *net.DNSError
		if errors.As(err, &dnsErr) && dnsErr.IsNotFound {
			return nil, ErrNoMX
		}
		r.log.Debug("MX lookup failed", zap.String("domain", domain), zap.Error(err))
		return nil, err
	}
	if len(records) == 0 {
		return nil, ErrNoMX
	}

	sort.Slice(records, func(i, j int) bool {
		return records[i].Pref < records[j].Pref
	})
	for _, mx := range records {
		mx.Host = strings.TrimSuffix(mx.Host, ".")
	}
	return records, nil
}

// DMARC represents a parsed DMARC TXT record.
type DMARC struct {
	Policy          string `json:"policy"`
	SubdomainPolicy string `json:"subdomainPolicy,omitempty"`
	Percentage      int    `json:"percentage"`
	ReportFormat    string `json:"reportFormat,omitempty"`
}

// DMARC queries TXT records at _dmarc.<domain> and parses the first one
// that declares v=DMARC1. A missing record or any lookup failure returns
// nil; DMARC is advisory and never fails a verification.
func (r *Resolver) DMARC(ctx context.Context, domain string) *DMARC {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	// LookupTXT joins the character-string segments of each record without
	// a separator, so a DMARC record split across segments arrives whole.
	records, err := r.client.LookupTXT(ctx, "_dmarc."+domain)
	if err != nil {
		r.log.Debug("DMARC lookup failed", zap.String("domain", domain), zap.Error(err))
		return nil
	}

	for _, txt := range records {
		if rec, ok := parseDMARC(txt); ok {
			return rec
		}
	}
	return nil
}

// parseDMARC extracts the tags the pipeline reports. Parsing is lenient:
// unknown tags are skipped, a missing p= defaults to "none" and a missing
// or malformed pct= defaults to 100.
func parseDMARC(txt string) (*DMARC, bool) {
	if !strings.HasPrefix(txt, "v=DMARC1") {
		return nil, false
	}

	rec := &DMARC{Policy: "none", Percentage: 100}
	for _, tag := range strings.Split(txt, ";") {
		tag = strings.TrimSpace(tag)
		switch {
		case strings.HasPrefix(tag, "p="):
			rec.Policy = strings.TrimPrefix(tag, "p=")
		case strings.HasPrefix(tag, "sp="):
			rec.SubdomainPolicy = strings.TrimPrefix(tag, "sp=")
		case strings.HasPrefix(tag, "pct="):
			if pct, err := strconv.Atoi(strings.TrimPrefix(tag, "pct=")); err == nil {
				rec.Percentage = pct
			}
		case strings.HasPrefix(tag, "rf="):
			rec.ReportFormat = strings.TrimPrefix(tag, "rf=")
		}
	}
	return rec, true
}
