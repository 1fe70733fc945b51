package stats

import (
	"bytes"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestSummarize(t *testing.T) {
	var samples []time.Duration
	for i := 100; i >= 1; i-- {
		samples = append(samples, time.Duration(i)*time.Millisecond)
	}

	s := Summarize(samples)
	assert.Equal(t, 100, s.N)
	assert.Equal(t, 51*time.Millisecond, s.P50)
	assert.Equal(t, 95*time.Millisecond, s.P95)
	assert.Equal(t, 99*time.Millisecond, s.P99)
	assert.Equal(t, 100*time.Millisecond, s.Max)
	assert.Equal(t, 50500*time.Microsecond, s.Avg)

	// The input is left unsorted.
	assert.Equal(t, 100*time.Millisecond, samples[0])
}

func TestSummarizeSmall(t *testing.T) {
	assert.Equal(t, Summary{}, Summarize(nil))

	s := Summarize([]time.Duration{time.Second})
	assert.Equal(t, time.Second, s.P50)
	assert.Equal(t, time.Second, s.P99)
}

func TestCollectorReport(t *testing.T) {
	c := NewCollector()
	c.AddConnect(2 * time.Millisecond)
	c.AddConnect(4 * time.Millisecond)
	c.AddMatch(150 * time.Millisecond)
	c.AddError()

	assert.Equal(t, 2, c.ConnectionCount())
	assert.Equal(t, 1, c.ErrorCount())
	assert.Equal(t, 1, c.MatchCount())

	var buf bytes.Buffer
	c.Report(&buf)
	out := buf.String()
	assert.Contains(t, out, "Connections:  2")
	assert.Contains(t, out, "Error rate:   50.00%")
	assert.Contains(t, out, "--- Match Latency ---")
	assert.NotContains(t, out, "Relay Latency")
}
