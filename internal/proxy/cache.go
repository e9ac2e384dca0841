package proxy

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"sync"
	"time"

	dnsrr "github.com/auto-dns/swarm-discovery/internal/dns"
	"github.com/auto-dns/swarm-discovery/internal/metrics"
	"github.com/benbjohnson/clock"
	"github.com/miekg/dns"
	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"
)

const (
	DefaultTimeout    = 2500 * time.Millisecond
	DefaultGCInterval = time.Minute
	bucketWidth       = time.Minute
)

type exchanger interface {
	ExchangeContext(ctx context.Context, m *dns.Msg, address string) (*dns.Msg, time.Duration, error)
}

type Options struct {
	Upstream   string
	Timeout    time.Duration
	GCInterval time.Duration
	// LogQueries logs every answer fetched from upstream.
	LogQueries bool
	// LogCached logs answers served from the cache or from an in-flight request.
	LogCached bool
}

type entry struct {
	msg    *dns.Msg
	bucket int64
}

// Cache forwards queries to the upstream resolver, coalescing identical in-flight queries and caching
// answers for one to two minutes.
type Cache struct {
	logger zerolog.Logger
	client exchanger
	clock  clock.Clock
	opts   Options

	mu      sync.Mutex
	entries map[string]entry
	buckets map[int64][]string

	inflight singleflight.Group
}

// NewClient returns the UDP client used to reach the upstream resolver.
func NewClient(timeout time.Duration) *dns.Client {
	return &dns.Client{Net: "udp", Timeout: timeout}
}

func New(client exchanger, clk clock.Clock, opts Options, logger zerolog.Logger) *Cache {
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultTimeout
	}
	if opts.GCInterval <= 0 {
		opts.GCInterval = DefaultGCInterval
	}
	return &Cache{
		logger:  logger.With().Str("component", "proxy").Logger(),
		client:  client,
		clock:   clk,
		opts:    opts,
		entries: make(map[string]entry),
		buckets: make(map[int64][]string),
	}
}

// cacheKey is class_type_name of the first question.
func cacheKey(q dns.Question) string {
	return fmt.Sprintf("%d_%d_%s", q.Qclass, q.Qtype, strings.ToLower(q.Name))
}

func (c *Cache) bucketAt(t time.Time) int64 {
	return t.UnixMilli() / bucketWidth.Milliseconds()
}

// Forward answers req from the cache or the upstream resolver. Failures yield an empty reply.
func (c *Cache) Forward(ctx context.Context, req *dns.Msg) *dns.Msg {
	if len(req.Question) == 0 {
		return dnsrr.EmptyReply(req)
	}
	start := c.clock.Now()
	key := cacheKey(req.Question[0])

	if msg, ok := c.lookup(key); ok {
		metrics.ProxyCacheResults.WithLabelValues("hit").Inc()
		c.logServed(c.opts.LogCached, "CACHED", req, start)
		return splice(msg, req)
	}
	return c.fetch(ctx, req, key, start, true)
}

func (c *Cache) fetch(ctx context.Context, req *dns.Msg, key string, start time.Time, retry bool) *dns.Msg {
	leader := false
	v, err, _ := c.inflight.Do(key, func() (any, error) {
		leader = true
		// An answer may have landed between the cache miss and joining the group.
		if msg, ok := c.lookup(key); ok {
			return msg, nil
		}
		return c.exchange(ctx, req.Question[0], key, start)
	})

	if err != nil {
		if !leader && retry {
			// The failed in-flight request is gone, so this either joins a new one or issues its own.
			return c.fetch(ctx, req, key, start, false)
		}
		return dnsrr.EmptyReply(req)
	}

	if leader {
		metrics.ProxyCacheResults.WithLabelValues("miss").Inc()
		c.logServed(c.opts.LogQueries, "", req, start)
	} else {
		metrics.ProxyCacheResults.WithLabelValues("inflight").Inc()
		c.logServed(c.opts.LogCached, "PCACHED", req, start)
	}
	return splice(v.(*dns.Msg), req)
}

func (c *Cache) exchange(ctx context.Context, q dns.Question, key string, start time.Time) (*dns.Msg, error) {
	upstream := new(dns.Msg)
	upstream.SetQuestion(q.Name, q.Qtype)
	upstream.Question[0].Qclass = q.Qclass

	ctx, cancel := context.WithTimeout(ctx, c.opts.Timeout)
	defer cancel()
	answer, _, err := c.client.ExchangeContext(ctx, upstream, c.opts.Upstream)
	if err != nil {
		elapsed := c.clock.Since(start)
		if isTimeout(err) {
			metrics.UpstreamErrors.WithLabelValues("timeout").Inc()
			c.logger.Warn().Str("name", q.Name).Dur("elapsed", elapsed).Msg("Timeout in making upstream request")
		} else {
			metrics.UpstreamErrors.WithLabelValues("error").Inc()
			c.logger.Error().Err(err).Str("name", q.Name).Dur("elapsed", elapsed).Msg("Upstream request failed")
		}
		return nil, err
	}

	c.store(key, answer, c.bucketAt(start))
	return answer, nil
}

func (c *Cache) lookup(key string) (*dns.Msg, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[key]
	if !ok || e.bucket < c.bucketAt(c.clock.Now())-1 {
		return nil, false
	}
	return e.msg, true
}

func (c *Cache) store(key string, msg *dns.Msg, bucket int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[key] = entry{msg: msg, bucket: bucket}
	c.buckets[bucket] = append(c.buckets[bucket], key)
	metrics.ProxyCacheEntries.Set(float64(len(c.entries)))
}

// Run purges expired buckets every GC interval until ctx is done.
func (c *Cache) Run(ctx context.Context) {
	ticker := c.clock.Ticker(c.opts.GCInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.collect()
		}
	}
}

// collect drops every bucket older than the previous minute and returns the number of purged entries.
func (c *Cache) collect() int {
	started := c.clock.Now()
	current := c.bucketAt(started)

	c.mu.Lock()
	removed := 0
	for bucket, keys := range c.buckets {
		if bucket >= current-1 {
			continue
		}
		for _, key := range keys {
			// A key re-fetched later belongs to a newer bucket.
			if e, ok := c.entries[key]; ok && e.bucket == bucket {
				delete(c.entries, key)
				removed++
			}
		}
		delete(c.buckets, bucket)
	}
	metrics.ProxyCacheEntries.Set(float64(len(c.entries)))
	c.mu.Unlock()

	if elapsed := c.clock.Since(started); elapsed > 10*time.Millisecond {
		c.logger.Warn().Dur("elapsed", elapsed).Int("removed", removed).Msg("Cache garbage collection is slow")
	} else if removed > 0 {
		c.logger.Debug().Int("removed", removed).Msg("Cached records removed")
	}
	return removed
}

func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

func (c *Cache) logServed(enabled bool, prefix string, req *dns.Msg, start time.Time) {
	if !enabled {
		return
	}
	q := req.Question[0]
	c.logger.Info().
		Str("source", strings.TrimSpace(prefix+" DNS")).
		Str("type", dns.TypeToString[q.Qtype]).
		Str("name", q.Name).
		Uint16("id", req.Id).
		Dur("elapsed", c.clock.Since(start)).
		Msg("Answered forwarded query")
}

// splice copies the cached upstream answer into a reply for req, echoing req's id and question.
func splice(cached *dns.Msg, req *dns.Msg) *dns.Msg {
	resp := cached.Copy()
	resp.Id = req.Id
	resp.Question = append([]dns.Question(nil), req.Question...)
	return resp
}

func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}
