package dnscache_test

import (
	"context"
	"errors"
	"net"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/optimode/verifyd/internal/dnscache"
)

func TestMXCachesResults(t *testing.T) {
	var calls int32
	c := dnscache.New(func(_ context.Context, domain string) ([]*net.MX, error) {
		atomic.AddInt32(&calls, 1)
		return []*net.MX{{Host: "mx." + domain, Pref: 10}}, nil
	}, time.Minute)

	for i := 0; i < 3; i++ {
		records, err := c.MX(context.Background(), "example.com")
		require.NoError(t, err)
		require.Len(t, records, 1)
		assert.Equal(t, "mx.example.com", records[0].Host)
	}

	assert.Equal(t, int32(1), atomic.LoadInt32(&calls))
	assert.Equal(t, 1, c.Len())
}

func TestMXCachesErrors(t *testing.T) {
	lookupErr := errors.New("SERVFAIL")
	var calls int32
	c := dnscache.New(func(_ context.Context, _ string) ([]*net.MX, error) {
		atomic.AddInt32(&calls, 1)
		return nil, lookupErr
	}, time.Minute)

	for i := 0; i < 2; i++ {
		_, err := c.MX(context.Background(), "example.com")
		assert.ErrorIs(t, err, lookupErr)
	}
	assert.Equal(t, int32(1), atomic.LoadInt32(&calls))
}

func TestMXExpiry(t *testing.T) {
	var calls int32
	c := dnscache.New(func(_ context.Context, _ string) ([]*net.MX, error) {
		atomic.AddInt32(&calls, 1)
		return []*net.MX{{Host: "mx.example.com", Pref: 10}}, nil
	}, 10*time.Millisecond)

	_, err := c.MX(context.Background(), "example.com")
	require.NoError(t, err)

	time.Sleep(20 * time.Millisecond)

	_, err = c.MX(context.Background(), "example.com")
	require.NoError(t, err)
	assert.Equal(t, int32(2), atomic.LoadInt32(&calls))
}

func TestMXSingleflight(t *testing.T) {
	var calls int32
	release := make(chan struct{})
	c := dnscache.New(func(_ context.Context, _ string) ([]*net.MX, error) {
		atomic.AddInt32(&calls, 1)
		<-release
		return []*net.MX{{Host: "mx.example.com", Pref: 10}}, nil
	}, time.Minute)

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			records, err := c.MX(context.Background(), "example.com")
			assert.NoError(t, err)
			assert.Len(t, records, 1)
		}()
	}

	// Give the goroutines time to pile up on the in-flight entry.
	time.Sleep(20 * time.Millisecond)
	close(release)
	wg.Wait()

	assert.Equal(t, int32(1), atomic.LoadInt32(&calls))
}

func TestMXCopiesRecords(t *testing.T) {
	c := dnscache.New(func(_ context.Context, _ string) ([]*net.MX, error) {
		return []*net.MX{{Host: "mx.example.com", Pref: 10}}, nil
	}, time.Minute)

	first, err := c.MX(context.Background(), "example.com")
	require.NoError(t, err)
	first[0].Host = "mutated.example.com"

	second, err := c.MX(context.Background(), "example.com")
	require.NoError(t, err)
	assert.Equal(t, "mx.example.com", second[0].Host)
}
