// Package metrics exposes a point-in-time snapshot of node-level
// counters (peer count, in-flight transactions, bytes moved, forwards,
// aborts, reconnect attempts) as Prometheus-text-format lines, the
// surface a stats-collection wrapper scrapes.
package metrics

import (
	"fmt"
	"strings"
	"sync/atomic"

	"github.com/prometheus/common/model"
)

// Snapshot holds the live counters for a single node. All fields are
// updated with atomic operations so callers on the peer worker hot
// path never block behind a stats read.
type Snapshot struct {
	peers                int64
	inFlightTransactions int64
	bytesSent            int64
	bytesReceived        int64
	forwarded            int64
	aborted              int64
	reconnectAttempts    int64
}

// New returns a zeroed Snapshot.
func New() *Snapshot {
	return &Snapshot{}
}

func (s *Snapshot) AddPeer(delta int64)      { atomic.AddInt64(&s.peers, delta) }
func (s *Snapshot) AddInFlight(delta int64)  { atomic.AddInt64(&s.inFlightTransactions, delta) }
func (s *Snapshot) AddBytesSent(n int64)     { atomic.AddInt64(&s.bytesSent, n) }
func (s *Snapshot) AddBytesReceived(n int64) { atomic.AddInt64(&s.bytesReceived, n) }
func (s *Snapshot) IncForwarded()            { atomic.AddInt64(&s.forwarded, 1) }
func (s *Snapshot) IncAborted()              { atomic.AddInt64(&s.aborted, 1) }
func (s *Snapshot) IncReconnectAttempts()    { atomic.AddInt64(&s.reconnectAttempts, 1) }

func (s *Snapshot) Peers() int64             { return atomic.LoadInt64(&s.peers) }
func (s *Snapshot) InFlight() int64          { return atomic.LoadInt64(&s.inFlightTransactions) }
func (s *Snapshot) BytesSent() int64         { return atomic.LoadInt64(&s.bytesSent) }
func (s *Snapshot) BytesReceived() int64     { return atomic.LoadInt64(&s.bytesReceived) }
func (s *Snapshot) Forwarded() int64         { return atomic.LoadInt64(&s.forwarded) }
func (s *Snapshot) Aborted() int64           { return atomic.LoadInt64(&s.aborted) }
func (s *Snapshot) ReconnectAttempts() int64 { return atomic.LoadInt64(&s.reconnectAttempts) }

// gaugeLine renders a single Prometheus gauge sample, validating the
// metric name the way a real exposition encoder would reject a
// malformed one before it ever reaches a scraper.
func gaugeLine(name, help string, value int64) (string, error) {
	if !model.IsValidMetricName(model.LabelValue(name)) {
		return "", fmt.Errorf("metrics: invalid metric name %q", name)
	}
	var b strings.Builder
	fmt.Fprintf(&b, "# HELP %s %s\n", name, help)
	fmt.Fprintf(&b, "# TYPE %s gauge\n", name)
	fmt.Fprintf(&b, "%s %d\n", name, value)
	return b.String(), nil
}

// Render encodes the current counters as Prometheus text-exposition lines.
func (s *Snapshot) Render() (string, error) {
	samples := []struct {
		name  string
		help  string
		value int64
	}{
		{"dnet_peers", "Number of peers currently in the routing table.", s.Peers()},
		{"dnet_in_flight_transactions", "Number of transactions currently registered.", s.InFlight()},
		{"dnet_bytes_sent_total", "Total bytes written across all peers.", s.BytesSent()},
		{"dnet_bytes_received_total", "Total bytes read across all peers.", s.BytesReceived()},
		{"dnet_forwarded_total", "Total requests forwarded to another peer.", s.Forwarded()},
		{"dnet_aborted_total", "Total transactions completed with ABORTED.", s.Aborted()},
		{"dnet_reconnect_attempts_total", "Total reconnect attempts across all peers.", s.ReconnectAttempts()},
	}

	var b strings.Builder
	for _, sample := range samples {
		line, err := gaugeLine(sample.name, sample.help, sample.value)
		if err != nil {
			return "", err
		}
		b.WriteString(line)
	}
	return b.String(), nil
}
