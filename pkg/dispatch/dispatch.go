// Package dispatch is the subscription dispatcher: per database, it fans
// out newly-appended transaction records and bundle notifications to every
// subscribed connection, in registration order, dropping (and scheduling
// for close) any subscriber whose outbound queue cannot keep up.
//
// One bounded worker per subscriber, scoped per database instead of
// broadcast to everyone: the ordering and backpressure guarantees each
// subscriber needs require delivering separately rather than fanning out
// a single shared channel.
package dispatch

import (
	"context"
	"sync"

	"github.com/cuemby/lockbase/pkg/log"
	"github.com/cuemby/lockbase/pkg/metrics"
	"github.com/cuemby/lockbase/pkg/registry"
	"github.com/cuemby/lockbase/pkg/types"
	"github.com/cuemby/lockbase/pkg/wire"
)

// outboxSize is the bounded per-subscriber queue depth: each subscriber
// has a bounded outbound queue; on overflow the subscription is dropped
// and the connection closed with SlowConsumer.
const outboxSize = 256

// Closer is the subset of *registry.Registry the dispatcher needs to tear
// down a slow consumer's connection.
type Closer interface {
	Close(conn *registry.Connection, reason registry.CloseReason)
}

type subscriber struct {
	conn   *registry.Connection
	outbox chan wire.Envelope
	cancel context.CancelFunc
}

// database is one database's ordered subscriber list, preserving
// registration order for fan-out.
type database struct {
	subs []*subscriber
}

// Dispatcher fans out committed transaction log records to subscribed
// connections. It implements txlog.Dispatcher.
type Dispatcher struct {
	registry Closer

	mu  sync.Mutex
	dbs map[string]*database
}

func New(reg Closer) *Dispatcher {
	return &Dispatcher{
		registry: reg,
		dbs:      make(map[string]*database),
	}
}

// Subscribe attaches conn to dbID's subscriber list, starting a dedicated
// delivery goroutine that drains conn's outbox in order. Call Unsubscribe
// (or let the connection close) to stop it.
func (d *Dispatcher) Subscribe(dbID string, conn *registry.Connection) {
	d.mu.Lock()
	defer d.mu.Unlock()

	db, ok := d.dbs[dbID]
	if !ok {
		db = &database{}
		d.dbs[dbID] = db
	}

	ctx, cancel := context.WithCancel(context.Background())
	sub := &subscriber{conn: conn, outbox: make(chan wire.Envelope, outboxSize), cancel: cancel}
	db.subs = append(db.subs, sub)

	go d.drain(ctx, dbID, sub)

	metrics.DatabaseOpens.Inc()
}

// Unsubscribe detaches conn from dbID, stopping its delivery goroutine.
func (d *Dispatcher) Unsubscribe(dbID string, conn *registry.Connection) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.removeLocked(dbID, conn)
}

// UnsubscribeAll detaches conn from every database it is subscribed to,
// for use when a connection closes.
func (d *Dispatcher) UnsubscribeAll(conn *registry.Connection) {
	d.mu.Lock()
	defer d.mu.Unlock()
	for dbID := range d.dbs {
		d.removeLocked(dbID, conn)
	}
}

func (d *Dispatcher) removeLocked(dbID string, conn *registry.Connection) {
	db, ok := d.dbs[dbID]
	if !ok {
		return
	}
	kept := db.subs[:0]
	for _, sub := range db.subs {
		if sub.conn == conn {
			sub.cancel()
			continue
		}
		kept = append(kept, sub)
	}
	db.subs = kept
	if len(db.subs) == 0 {
		delete(d.dbs, dbID)
	}
}

func (d *Dispatcher) drain(ctx context.Context, dbID string, sub *subscriber) {
	for {
		select {
		case <-ctx.Done():
			return
		case env := <-sub.outbox:
			if err := sub.conn.Send(env); err != nil {
				log.WithDatabase(dbID).Warn().Str("connId", sub.conn.ID).Err(err).Msg("subscriber send failed, detaching")
				d.Unsubscribe(dbID, sub.conn)
				d.registry.Close(sub.conn, registry.CloseReasonClient)
				return
			}
		}
	}
}

// enqueue pushes env to every subscriber of dbID in registration order,
// non-blocking: a full outbox means that subscriber is dropped as a
// SlowConsumer.
func (d *Dispatcher) enqueue(dbID string, env wire.Envelope) {
	d.mu.Lock()
	db, ok := d.dbs[dbID]
	if !ok {
		d.mu.Unlock()
		return
	}
	subs := append([]*subscriber(nil), db.subs...)
	d.mu.Unlock()

	for _, sub := range subs {
		select {
		case sub.outbox <- env:
		default:
			log.WithDatabase(dbID).Warn().Str("connId", sub.conn.ID).Msg("slow consumer, dropping subscription")
			metrics.SlowConsumersDropped.Inc()
			d.Unsubscribe(dbID, sub.conn)
			d.registry.Close(sub.conn, registry.CloseReason("slow_consumer"))
		}
	}
}

// Publish fans a single committed record out as a TransactionLog frame.
func (d *Dispatcher) Publish(rec types.Transaction) {
	d.enqueue(rec.DBID, wire.Push(wire.RouteTransactionLog, rec))
}

// PublishBatch fans a batch's records out in order, one TransactionLog
// frame per record, so fan-out order always matches assigned seqNo order.
func (d *Dispatcher) PublishBatch(recs []types.Transaction) {
	for _, rec := range recs {
		d.Publish(rec)
	}
}

// PublishBundle notifies dbID's subscribers that a new bundle superseded
// everything at or before bundleSeqNo.
func (d *Dispatcher) PublishBundle(dbID string, bundleSeqNo uint64, blob []byte) {
	d.enqueue(dbID, wire.Push(wire.RouteBundlePublished, map[string]any{
		"bundleSeqNo": bundleSeqNo,
		"bundleBlob":  blob,
	}))
}
