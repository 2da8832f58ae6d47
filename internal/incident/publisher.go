package incident

import (
	"context"
	"log/slog"
	"sync"

	"roadwatch/internal/logging"
)

// Subscription is a live feed of accepted incidents. Events arrive on C in
// sequence order. When the subscriber falls too far behind the publisher
// closes C; the subscriber is expected to reconnect and resume from the last
// sequence it handled.
type Subscription struct {
	C      <-chan Incident
	ch     chan Incident
	taskID string
	once   sync.Once

	// seen is the subscriber's high-water mark, guarded by the publisher
	// mutex. Deliveries at or below it are suppressed so a backfilled entry
	// is never re-sent by the publish that raced the backfill.
	seen uint64
}

func (s *Subscription) close() {
	s.once.Do(func() { close(s.ch) })
}

// Publisher accepts incident reports, persists them to the log, and wakes
// long-poll fetchers and channel subscribers. A slow subscriber is dropped
// rather than ever delaying publication.
type Publisher struct {
	log    *Log
	logger *slog.Logger

	mu        sync.Mutex
	cond      *sync.Cond
	lastSeq   uint64
	subs      map[*Subscription]struct{}
	queueSize int
	closed    bool
}

// NewPublisher wires a publisher over an incident log.
func NewPublisher(ctx context.Context, log *Log, logger *slog.Logger, queueSize int) (*Publisher, error) {
	if logger == nil {
		logger = logging.NewNop()
	}
	if queueSize <= 0 {
		queueSize = 64
	}
	lastSeq, err := log.LastSequence(ctx)
	if err != nil {
		return nil, err
	}
	p := &Publisher{
		log:       log,
		logger:    logger.With(logging.String(logging.FieldComponent, "incident-publisher")),
		lastSeq:   lastSeq,
		subs:      make(map[*Subscription]struct{}),
		queueSize: queueSize,
	}
	p.cond = sync.NewCond(&p.mu)
	return p, nil
}

// Log exposes the backing incident log for read paths.
func (p *Publisher) Log() *Log {
	return p.log
}

// Publish accepts a draft. Duplicates are acknowledged with the existing
// entry and inserted == false; nothing is delivered for them.
func (p *Publisher) Publish(ctx context.Context, draft Draft) (*Incident, bool, error) {
	inc, inserted, err := p.log.Append(ctx, draft)
	if err != nil {
		return nil, false, err
	}
	if !inserted {
		p.logger.Debug("duplicate incident acknowledged",
			logging.String("incident_id", inc.IncidentID),
			logging.String(logging.FieldTaskID, inc.TaskID))
		return inc, false, nil
	}

	p.mu.Lock()
	if inc.Seq > p.lastSeq {
		p.lastSeq = inc.Seq
	}
	var dropped []*Subscription
	for sub := range p.subs {
		if sub.taskID != "" && sub.taskID != inc.TaskID {
			continue
		}
		if inc.Seq <= sub.seen {
			continue
		}
		select {
		case sub.ch <- *inc:
			sub.seen = inc.Seq
		default:
			dropped = append(dropped, sub)
		}
	}
	for _, sub := range dropped {
		delete(p.subs, sub)
	}
	p.cond.Broadcast()
	p.mu.Unlock()

	for _, sub := range dropped {
		sub.close()
		p.logger.Warn("slow incident subscriber dropped",
			logging.Uint64(logging.FieldSequence, inc.Seq))
	}

	p.logger.Info("incident published",
		logging.Uint64(logging.FieldSequence, inc.Seq),
		logging.String("incident_id", inc.IncidentID),
		logging.String(logging.FieldTaskID, inc.TaskID),
		logging.String("type", inc.Type))

	return inc, true, nil
}

// Subscribe registers a live feed. Incidents with sequence greater than
// resume are read back from the log and delivered first, in order, before any
// live events; a reconnecting subscriber passes the last sequence it handled
// and misses nothing. taskID may be empty to receive all incidents. The
// caller must drain Subscription.C promptly or be dropped.
func (p *Publisher) Subscribe(ctx context.Context, taskID string, resume uint64) (*Subscription, error) {
	sub := &Subscription{
		ch:     make(chan Incident, p.queueSize),
		taskID: taskID,
		seen:   resume,
	}
	sub.C = sub.ch

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		sub.close()
		return sub, nil
	}

	// Backfill under the mutex: a concurrent publish cannot enqueue until we
	// are registered, and the seen mark suppresses anything it re-offers.
	backlog, err := p.log.ReadSince(ctx, resume, p.queueSize, taskID)
	if err != nil {
		return nil, err
	}
	for _, inc := range backlog {
		select {
		case sub.ch <- inc:
			sub.seen = inc.Seq
		default:
			// Queue filled by the backfill alone; the subscriber drains what
			// it got and reconnects from its high-water mark.
			p.subs[sub] = struct{}{}
			return sub, nil
		}
	}
	p.subs[sub] = struct{}{}
	return sub, nil
}

// Unsubscribe removes a live feed and closes its channel.
func (p *Publisher) Unsubscribe(sub *Subscription) {
	if sub == nil {
		return
	}
	p.mu.Lock()
	_, present := p.subs[sub]
	delete(p.subs, sub)
	p.mu.Unlock()
	if present {
		sub.close()
	}
}

// Fetch returns incidents with sequence greater than since, reading from the
// durable log so reconnecting watchers always backfill what they missed. When
// wait is true and nothing is available yet, Fetch blocks until an incident
// arrives or the context ends. The returned cursor is safe to resume from:
// the last returned sequence for a non-empty page, or a sequence known to
// precede every unseen incident when the page is empty.
func (p *Publisher) Fetch(ctx context.Context, since uint64, limit int, wait bool, taskID string) ([]Incident, uint64, error) {
	cancelWait := make(chan struct{})
	if wait && ctx != nil && ctx.Done() != nil {
		go func() {
			select {
			case <-ctx.Done():
				p.cond.Broadcast()
			case <-cancelWait:
			}
		}()
	}
	defer close(cancelWait)

	for {
		// Snapshot before the read: anything at or below this mark is either
		// in the page or absent from the log for this filter, so an empty
		// page may advance the cursor only this far.
		p.mu.Lock()
		snapshot := p.lastSeq
		p.mu.Unlock()

		incidents, err := p.log.ReadSince(ctx, since, limit, taskID)
		if err != nil {
			return nil, since, err
		}
		if len(incidents) > 0 {
			return incidents, incidents[len(incidents)-1].Seq, contextError(ctx)
		}

		cursor := max(since, snapshot)

		p.mu.Lock()
		if !wait || p.closed {
			p.mu.Unlock()
			return nil, cursor, contextError(ctx)
		}
		if p.lastSeq > snapshot {
			// A publish committed between the read and here; its broadcast
			// already happened, so re-read instead of sleeping past it.
			p.mu.Unlock()
			continue
		}
		if err := contextError(ctx); err != nil {
			p.mu.Unlock()
			return nil, cursor, err
		}
		p.cond.Wait()
		closed := p.closed
		p.mu.Unlock()
		if err := contextError(ctx); err != nil {
			return nil, cursor, err
		}
		if closed {
			wait = false
		}
	}
}

// LastSequence reports the highest sequence accepted so far.
func (p *Publisher) LastSequence() uint64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.lastSeq
}

// Close drops all subscribers and wakes blocked fetchers.
func (p *Publisher) Close() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	subs := make([]*Subscription, 0, len(p.subs))
	for sub := range p.subs {
		subs = append(subs, sub)
	}
	p.subs = make(map[*Subscription]struct{})
	p.cond.Broadcast()
	p.mu.Unlock()

	for _, sub := range subs {
		sub.close()
	}
}

func contextError(ctx context.Context) error {
	if ctx == nil {
		return nil
	}
	return ctx.Err()
}
