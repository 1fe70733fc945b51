// Package stats aggregates load test samples from many clients and prints a
// percentile summary.
package stats

import (
	"fmt"
	"io"
	"math"
	"sort"
	"sync"
	"time"
)

// Collector aggregates samples. All methods are safe for concurrent use.
type Collector struct {
	mu          sync.Mutex
	connect     []time.Duration
	match       []time.Duration
	relay       []time.Duration
	errors      int
	connections int
	startTime   time.Time
}

// NewCollector returns a Collector whose clock starts now.
func NewCollector() *Collector {
	return &Collector{startTime: time.Now()}
}

// AddConnect records a successful connection and its handshake latency.
func (c *Collector) AddConnect(d time.Duration) {
	c.mu.Lock()
	c.connect = append(c.connect, d)
	c.connections++
	c.mu.Unlock()
}

// AddMatch records the time from join to matched.
func (c *Collector) AddMatch(d time.Duration) {
	c.mu.Lock()
	c.match = append(c.match, d)
	c.mu.Unlock()
}

// AddRelay records the time from send to delivery at the partner.
func (c *Collector) AddRelay(d time.Duration) {
	c.mu.Lock()
	c.relay = append(c.relay, d)
	c.mu.Unlock()
}

// AddError increments the error counter.
func (c *Collector) AddError() {
	c.mu.Lock()
	c.errors++
	c.mu.Unlock()
}

// ConnectionCount returns the number of recorded connections.
func (c *Collector) ConnectionCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connections
}

// ErrorCount returns the number of recorded errors.
func (c *Collector) ErrorCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.errors
}

// MatchCount returns the number of recorded pairings.
func (c *Collector) MatchCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.match)
}

// Summary is the distribution of one latency series.
type Summary struct {
	N                       int
	Avg, P50, P95, P99, Max time.Duration
}

// Summarize computes the distribution of samples. It sorts a copy.
func Summarize(samples []time.Duration) Summary {
	n := len(samples)
	if n == 0 {
		return Summary{}
	}
	d := make([]time.Duration, n)
	copy(d, samples)
	sort.Slice(d, func(i, j int) bool { return d[i] < d[j] })

	var sum time.Duration
	for _, v := range d {
		sum += v
	}
	return Summary{
		N:   n,
		Avg: sum / time.Duration(n),
		P50: d[n/2],
		P95: d[rank(n, 0.95)],
		P99: d[rank(n, 0.99)],
		Max: d[n-1],
	}
}

func rank(n int, q float64) int {
	i := int(math.Ceil(float64(n)*q)) - 1
	if i < 0 {
		return 0
	}
	return i
}

func (s Summary) String() string {
	r := time.Microsecond
	return fmt.Sprintf("avg: %v  p50: %v  p95: %v  p99: %v  max: %v  (n=%d)",
		s.Avg.Round(r), s.P50.Round(r), s.P95.Round(r), s.P99.Round(r), s.Max.Round(r), s.N)
}

// Report writes the summary to w.
func (c *Collector) Report(w io.Writer) {
	c.mu.Lock()
	defer c.mu.Unlock()

	fmt.Fprintln(w, "\n=== Load Test Results ===")
	fmt.Fprintf(w, "Duration:     %s\n", time.Since(c.startTime).Round(time.Second))
	fmt.Fprintf(w, "Connections:  %d\n", c.connections)
	fmt.Fprintf(w, "Errors:       %d\n", c.errors)
	if c.connections > 0 {
		fmt.Fprintf(w, "Error rate:   %.2f%%\n", float64(c.errors)/float64(c.connections)*100)
	}

	for _, series := range []struct {
		label   string
		samples []time.Duration
	}{
		{"Connect Latency", c.connect},
		{"Match Latency", c.match},
		{"Relay Latency", c.relay},
	} {
		if len(series.samples) == 0 {
			continue
		}
		fmt.Fprintf(w, "\n--- %s ---\n  %s\n", series.label, Summarize(series.samples))
	}
	fmt.Fprintln(w)
}
