package processor

import (
	"sync"

	"seatwatch/internal/logger"
	"seatwatch/internal/metrics"
	"seatwatch/internal/models"
)

// ChannelDispatcher wraps committed notifications in envelopes and queues
// them for the worker pool. A full queue drops the envelope: the
// notification itself is already durable and readable through the API.
//
// The dispatcher owns the send side of the queue. Close closes it, and any
// Dispatch after Close drops instead of sending.
type ChannelDispatcher struct {
	mu     sync.RWMutex
	closed bool
	out    chan<- *models.Envelope
	node   string
}

// NewChannelDispatcher creates a dispatcher writing to out
func NewChannelDispatcher(out chan<- *models.Envelope, node string) *ChannelDispatcher {
	return &ChannelDispatcher{out: out, node: node}
}

// Dispatch implements Dispatcher
func (d *ChannelDispatcher) Dispatch(notifications []models.Notification) {
	log := logger.WithComponent("dispatcher")

	d.mu.RLock()
	defer d.mu.RUnlock()

	for i := range notifications {
		n := notifications[i]
		if d.closed {
			metrics.DispatchDropped.Inc()
			log.Warn().
				Str("notification_id", n.ID).
				Str("subscriber_id", n.SubscriberID).
				Msg("dispatcher closed, notification not fanned out")
			continue
		}
		select {
		case d.out <- models.NewEnvelope(&n, d.node):
		default:
			metrics.DispatchDropped.Inc()
			log.Warn().
				Str("notification_id", n.ID).
				Str("subscriber_id", n.SubscriberID).
				Str("resource_id", n.ResourceID).
				Msg("dispatch queue full, notification not fanned out")
		}
	}
}

// Close closes the queue once. It waits for in-flight Dispatch calls.
func (d *ChannelDispatcher) Close() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return
	}
	d.closed = true
	close(d.out)
}
