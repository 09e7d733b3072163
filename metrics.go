package main

import (
	"context"
	"log/slog"
	"time"

	"github.com/JeyyM/CSNETWK-MP/internal/node"
)

// statsSource reports and resets wire counters. Satisfied by
// *transport.Transport.
type statsSource interface {
	StatsSnapshot() (sent, received, retries, acked, failed uint64)
	PendingCount() int
}

// RunMetrics logs node and transport counters every interval until ctx
// is cancelled. Idle intervals log nothing.
func RunMetrics(ctx context.Context, nd *node.Node, tr statsSource, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m := nd.MetricsSnapshot()
			sent, received, retries, acked, failed := tr.StatsSnapshot()
			if m.Handled == 0 && sent == 0 && received == 0 {
				continue
			}
			dropped := m.Malformed + m.UnknownType + m.Duplicate + m.Unauthorized +
				m.SpoofedSource + m.Violation + m.UnknownSession + m.Expired
			slog.Info("metrics",
				"handled", m.Handled,
				"dropped", dropped,
				"duplicates", m.Duplicate,
				"unauthorized", m.Unauthorized,
				"peers", m.Peers,
				"active_peers", m.ActivePeers,
				"posts", m.Posts,
				"udp_sent", sent,
				"udp_received", received,
				"retries", retries,
				"acked", acked,
				"failed", failed,
				"pending", tr.PendingCount(),
			)
		}
	}
}
