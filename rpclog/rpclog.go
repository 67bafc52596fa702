// Package rpclog provides the structured debug dump pushgate connections
// emit on request, mirroring the state snapshot pushy's
// BaseConnection.__log_state produces when debug logging is enabled.
package rpclog

import (
	"github.com/goccy/go-json"
	"go.uber.org/zap"
)

// State is a point-in-time snapshot of one Connection's gate and table
// bookkeeping, suitable for structured logging or a debug HTTP handler.
type State struct {
	ConnectionID     string `json:"connection_id"`
	Receiving        bool   `json:"receiving"`
	Processing       int    `json:"processing"`
	Waiting          int    `json:"waiting"`
	PendingResponses int    `json:"pending_responses"`
	QueueDepth       int    `json:"queue_depth"`
	LocalObjects     int    `json:"local_objects"`
	ProxyObjects     int    `json:"proxy_objects"`
	PendingDeletes   int    `json:"pending_deletes"`
	GCEnabled        bool   `json:"gc_enabled"`
	GCIntervalMillis int64  `json:"gc_interval_ms"`
}

// Dump logs s at debug level, field by field, in the order pushy's
// __log_state prints them, then the raw JSON as a single field for
// tooling that greps logs.
func Dump(log *zap.Logger, s State) {
	raw, err := json.Marshal(s)
	if err != nil {
		log.Debug("connection state", zap.Error(err))
		return
	}
	log.Debug("connection state",
		zap.String("connection_id", s.ConnectionID),
		zap.Bool("receiving", s.Receiving),
		zap.Int("processing", s.Processing),
		zap.Int("waiting", s.Waiting),
		zap.Int("pending_responses", s.PendingResponses),
		zap.Int("queue_depth", s.QueueDepth),
		zap.Int("local_objects", s.LocalObjects),
		zap.Int("proxy_objects", s.ProxyObjects),
		zap.Int("pending_deletes", s.PendingDeletes),
		zap.Bool("gc_enabled", s.GCEnabled),
		zap.Int64("gc_interval_ms", s.GCIntervalMillis),
		zap.ByteString("raw", raw),
	)
}
