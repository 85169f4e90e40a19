package websocket

import (
	"sync"
	"time"

	"github.com/vowsync/collab-core/pkg/observability"
)

// MetricsCollector collects connection and message metrics for the
// websocket layer
type MetricsCollector struct {
	client observability.MetricsClient
	mu     sync.Mutex

	totalConnections  uint64
	activeConnections uint64
	failedConnections uint64

	messagesReceived uint64
	messagesSent     uint64
	messagesDropped  uint64
}

// NewMetricsCollector creates a new metrics collector
func NewMetricsCollector(client observability.MetricsClient) *MetricsCollector {
	return &MetricsCollector{client: client}
}

// RecordConnection records a new connection
func (mc *MetricsCollector) RecordConnection(roomID string) {
	mc.mu.Lock()
	mc.totalConnections++
	mc.activeConnections++
	active := mc.activeConnections
	mc.mu.Unlock()

	mc.client.IncrementCounter("websocket_connections_total", 1)
	mc.client.RecordGauge("websocket_connections_active", float64(active), nil)
	mc.client.IncrementCounterWithLabels("websocket_room_joins", 1, map[string]string{"room_id": roomID})
}

// RecordDisconnection records a connection close and its lifetime
func (mc *MetricsCollector) RecordDisconnection(duration time.Duration) {
	mc.mu.Lock()
	if mc.activeConnections > 0 {
		mc.activeConnections--
	}
	active := mc.activeConnections
	mc.mu.Unlock()

	mc.client.RecordGauge("websocket_connections_active", float64(active), nil)
	mc.client.RecordDuration("websocket_connection_duration", duration)
}

// RecordConnectionFailure records a connection attempt that never joined
func (mc *MetricsCollector) RecordConnectionFailure(reason string) {
	mc.mu.Lock()
	mc.failedConnections++
	mc.mu.Unlock()

	mc.client.IncrementCounterWithLabels("websocket_connection_failures", 1, map[string]string{"reason": reason})
}

// RecordMessageReceived records an inbound client message
func (mc *MetricsCollector) RecordMessageReceived(messageType string) {
	mc.mu.Lock()
	mc.messagesReceived++
	mc.mu.Unlock()

	mc.client.IncrementCounterWithLabels("websocket_messages_received", 1, map[string]string{"type": messageType})
}

// RecordMessageSent records an outbound server message
func (mc *MetricsCollector) RecordMessageSent() {
	mc.mu.Lock()
	mc.messagesSent++
	mc.mu.Unlock()

	mc.client.IncrementCounter("websocket_messages_sent", 1)
}

// RecordMessageDropped records a message dropped by backpressure
func (mc *MetricsCollector) RecordMessageDropped() {
	mc.mu.Lock()
	mc.messagesDropped++
	mc.mu.Unlock()

	mc.client.IncrementCounter("websocket_messages_dropped", 1)
}

// RecordResume records how a reconnecting client was caught up
func (mc *MetricsCollector) RecordResume(kind string) {
	mc.client.IncrementCounterWithLabels("websocket_resumes", 1, map[string]string{"kind": kind})
}

// RecordError records a protocol-level error sent to a client
func (mc *MetricsCollector) RecordError(kind string) {
	mc.client.IncrementCounterWithLabels("websocket_errors", 1, map[string]string{"kind": kind})
}
