// Package ingest implements the ingestion/dispatch engine described in
// spec §4: Ingress hands a RawRequest onto the SwappingQueue; the
// Dispatcher drains it on a fixed cadence, decodes, authorizes, and
// writes each request through to a LogSink.
package ingest

import (
	"context"
	"time"

	"github.com/brinelog/ingestd/entity"
	"github.com/brinelog/ingestd/ingest/queue"
)

// Ingress is the network-facing handoff point: it acknowledges a session
// immediately, then enqueues the RawRequest for asynchronous dispatch.
type Ingress struct {
	queue *queue.SwappingQueue
}

// NewIngress builds an Ingress backed by q.
func NewIngress(q *queue.SwappingQueue) *Ingress {
	return &Ingress{queue: q}
}

// Enqueue stamps DateReceived/IPAddr if the session layer left them unset,
// acknowledges the session, and pushes raw onto the active buffer. The ack
// happens before the push so a slow dispatch cycle never stalls a client.
func (i *Ingress) Enqueue(ctx context.Context, raw entity.RawRequest, session entity.Session) error {
	if raw.DateReceived.IsZero() {
		raw.DateReceived = time.Now()
	}
	if raw.IPAddr == "" {
		raw.IPAddr = session.RemoteAddr()
	}

	if err := session.WriteStatusCode(entity.StatusOK); err != nil {
		return err
	}

	i.queue.Push(raw)
	return nil
}
