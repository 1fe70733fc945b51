package ws

import (
	"time"

	jww "github.com/spf13/jwalterweatherman"
)

// HeartbeatConfig holds heartbeat tuning parameters.
type HeartbeatConfig struct {
	Interval time.Duration // how often to ping
	Timeout  time.Duration // grace after a missed interval
}

// DefaultHeartbeatConfig pings every 30s and evicts after 40s of silence.
func DefaultHeartbeatConfig() HeartbeatConfig {
	return HeartbeatConfig{
		Interval: 30 * time.Second,
		Timeout:  10 * time.Second,
	}
}

// startHeartbeat pings every connection each Interval until the server
// stops. A connection silent for Interval+Timeout is removed, which runs
// the same disconnect path as a closed socket.
func (s *Server) startHeartbeat(config HeartbeatConfig) {
	if config.Interval <= 0 {
		return
	}
	go func() {
		ticker := time.NewTicker(config.Interval)
		defer ticker.Stop()

		for {
			select {
			case <-s.done:
				return
			case now := <-ticker.C:
				s.checkConnections(now, config)
			}
		}
	}()
}

func (s *Server) checkConnections(now time.Time, config HeartbeatConfig) int {
	deadline := config.Interval + config.Timeout
	evicted := 0
	for _, c := range s.conns.All() {
		if idle := now.Sub(c.LastSeen()); idle > deadline {
			jww.INFO.Printf("[ws] heartbeat timeout user=%s idle=%s", c.ID, idle.Round(time.Second))
			s.RemoveConnection(c)
			evicted++
			continue
		}
		if err := c.writePing(); err != nil {
			jww.DEBUG.Printf("[ws] heartbeat ping failed user=%s: %v", c.ID, err)
			s.RemoveConnection(c)
			evicted++
		}
	}
	return evicted
}
