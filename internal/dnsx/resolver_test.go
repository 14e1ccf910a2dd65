package dnsx_test

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/foxcpp/go-mockdns"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/optimode/verifyd/internal/dnsx"
)

func newResolver(zones map[string]mockdns.Zone) *dnsx.Resolver {
	return dnsx.New(&mockdns.Resolver{Zones: zones}, 2*time.Second, nil)
}

func TestMXSortedByPreference(t *testing.T) {
	r := newResolver(map[string]mockdns.Zone{
		"example.com.": {
			MX: []net.MX{
				{Host: "backup.example.com.", Pref: 20},
				{Host: "mx1.example.com.", Pref: 5},
				{Host: "mx2.example.com.", Pref: 10},
			},
		},
	})

	records, err := r.MX(context.Background(), "example.com")
	require.NoError(t, err)
	require.Len(t, records, 3)

	// Head is the primary MX; trailing dots are stripped.
	assert.Equal(t, "mx1.example.com", records[0].Host)
	assert.Equal(t, "mx2.example.com", records[1].Host)
	assert.Equal(t, "backup.example.com", records[2].Host)
}

func TestMXEmptyAnswer(t *testing.T) {
	r := newResolver(map[string]mockdns.Zone{
		"example.com.": {MX: []net.MX{}},
	})

	_, err := r.MX(context.Background(), "example.com")
	assert.ErrorIs(t, err, dnsx.ErrNoMX)
}

func TestMXDomainNotFound(t *testing.T) {
	r := newResolver(map[string]mockdns.Zone{})

	_, err := r.MX(context.Background(), "nxdomain.invalid")
	assert.ErrorIs(t, err, dnsx.ErrNoMX)
}

func TestMXLookupFailure(t *testing.T) {
	r := newResolver(map[string]mockdns.Zone{
		"flaky.example.": {Err: &net.DNSError{Err: "server misbehaving", IsTemporary: true}},
	})

	_, err := r.MX(context.Background(), "flaky.example")
	require.Error(t, err)
	assert.NotErrorIs(t, err, dnsx.ErrNoMX)
}

func TestDMARC(t *testing.T) {
	tests := []struct {
		name string
		txt  []string
		want *dnsx.DMARC
	}{
		{
			name: "full record",
			txt:  []string{"v=DMARC1; p=reject; sp=quarantine; pct=50; rf=afrf"},
			want: &dnsx.DMARC{Policy: "reject", SubdomainPolicy: "quarantine", Percentage: 50, ReportFormat: "afrf"},
		},
		{
			name: "policy only",
			txt:  []string{"v=DMARC1; p=none"},
			want: &dnsx.DMARC{Policy: "none", Percentage: 100},
		},
		{
			name: "missing p defaults to none",
			txt:  []string{"v=DMARC1; pct=30"},
			want: &dnsx.DMARC{Policy: "none", Percentage: 30},
		},
		{
			name: "non-DMARC record skipped",
			txt:  []string{"google-site-verification=abc", "v=DMARC1; p=quarantine"},
			want: &dnsx.DMARC{Policy: "quarantine", Percentage: 100},
		},
		{
			name: "malformed pct falls back to 100",
			txt:  []string{"v=DMARC1; p=reject; pct=abc"},
			want: &dnsx.DMARC{Policy: "reject", Percentage: 100},
		},
		{
			name: "no DMARC record",
			txt:  []string{"spf included elsewhere"},
			want: nil,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := newResolver(map[string]mockdns.Zone{
				"_dmarc.example.com.": {TXT: tt.txt},
			})
			got := r.DMARC(context.Background(), "example.com")
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestDMARCLookupFailureIsNil(t *testing.T) {
	r := newResolver(map[string]mockdns.Zone{})
	assert.Nil(t, r.DMARC(context.Background(), "example.com"))
}
