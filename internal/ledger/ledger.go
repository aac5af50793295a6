// Package ledger is the single source of truth for sessions. Every mutation
// runs inside a per-session transaction that either fully applies (and
// appends its events) or leaves no trace. Reads return immutable snapshots
// without taking the transaction lock.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/charmbracelet/log"
	"github.com/coder/quartz"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/lox/sus/internal/session"
	"github.com/lox/sus/internal/sessionid"
)

// ErrNoChange may be returned from an Update callback to finish without
// committing a new version.
var ErrNoChange = errors.New("ledger: no change")

const maxCodeAttempts = 16

// Rules bounds what the ledger accepts at creation time and how long
// terminal sessions stay resident.
type Rules struct {
	MinStake  session.Amount
	MaxStake  session.Amount
	RetainFor time.Duration
}

// Subscriber receives every committed event in commit order. It runs under
// the session's transaction lock and must not call back into Update for
// the same session.
type Subscriber interface {
	OnEvent(session.Envelope)
}

// SubscriberFunc adapts a function to Subscriber.
type SubscriberFunc func(session.Envelope)

func (f SubscriberFunc) OnEvent(e session.Envelope) { f(e) }

// Options configures a Ledger.
type Options struct {
	Rules  Rules
	Clock  quartz.Clock
	Store  Store
	IDs    *sessionid.Generator
	Logger *log.Logger
	// Tracer defaults to the global provider.
	Tracer trace.TracerProvider
}

// Ledger owns the keyed set of live sessions.
type Ledger struct {
	rules  Rules
	clock  quartz.Clock
	store  Store
	ids    *sessionid.Generator
	logger *log.Logger
	tracer trace.Tracer

	entries sync.Map // session id -> *entry
	codes   sync.Map // share code -> session id

	subsMu sync.RWMutex
	subs   []Subscriber
}

type entry struct {
	mu   sync.Mutex
	snap atomic.Pointer[session.Session]
	log  atomic.Pointer[[]session.Envelope]
}

func (e *entry) events() []session.Envelope {
	if p := e.log.Load(); p != nil {
		return *p
	}
	return nil
}

// New creates a ledger. Missing options fall back to an in-memory store,
// the real clock and crypto-random ids.
func New(opts Options) *Ledger {
	if opts.Clock == nil {
		opts.Clock = quartz.NewReal()
	}
	if opts.Store == nil {
		opts.Store = NewMemoryStore()
	}
	if opts.IDs == nil {
		opts.IDs = sessionid.NewGenerator(opts.Clock, nil)
	}
	if opts.Logger == nil {
		opts.Logger = log.Default()
	}
	if opts.Tracer == nil {
		opts.Tracer = otel.GetTracerProvider()
	}
	return &Ledger{
		rules:  opts.Rules,
		clock:  opts.Clock,
		store:  opts.Store,
		ids:    opts.IDs,
		logger: opts.Logger.WithPrefix("ledger"),
		tracer: opts.Tracer.Tracer("github.com/lox/sus/internal/ledger"),
	}
}

// Restore loads every non-terminal session from the store so a restarted
// process resumes where it left off.
func (l *Ledger) Restore(ctx context.Context) (int, error) {
	sessions, err := l.store.LoadActive(ctx)
	if err != nil {
		return 0, fmt.Errorf("restore sessions: %w", err)
	}
	for _, s := range sessions {
		events, err := l.store.Events(ctx, s.ID, 0)
		if err != nil {
			return 0, fmt.Errorf("restore events for %s: %w", s.ID, err)
		}
		e := &entry{}
		e.snap.Store(s)
		e.log.Store(&events)
		l.entries.Store(s.ID, e)
		l.codes.Store(s.Code, s.ID)
	}
	l.logger.Info("Restored sessions", "count", len(sessions))
	return len(sessions), nil
}

// Subscribe registers a subscriber for all future events.
func (l *Ledger) Subscribe(sub Subscriber) {
	l.subsMu.Lock()
	defer l.subsMu.Unlock()
	l.subs = append(l.subs, sub)
}

// Unsubscribe removes a previously registered subscriber.
func (l *Ledger) Unsubscribe(sub Subscriber) {
	l.subsMu.Lock()
	defer l.subsMu.Unlock()
	for i, s := range l.subs {
		if s == sub {
			l.subs = append(l.subs[:i], l.subs[i+1:]...)
			return
		}
	}
}

func (l *Ledger) publish(events []session.Envelope) {
	l.subsMu.RLock()
	subs := l.subs
	l.subsMu.RUnlock()
	for _, env := range events {
		for _, sub := range subs {
			sub.OnEvent(env)
		}
	}
}

// Now returns the ledger clock's current time.
func (l *Ledger) Now() time.Time {
	return l.clock.Now()
}

// Rules returns the creation rules in effect.
func (l *Ledger) Rules() Rules {
	return l.rules
}

// Create opens a new lobby staked by its creator.
func (l *Ledger) Create(ctx context.Context, creator session.Identity, stake session.Amount, maxParticipants int) (*session.Session, error) {
	if stake <= 0 || stake < l.rules.MinStake || (l.rules.MaxStake > 0 && stake > l.rules.MaxStake) {
		return nil, session.ErrInvalidStake.With("stake", stake, "min", l.rules.MinStake, "max", l.rules.MaxStake)
	}
	if maxParticipants < session.MinParticipants || maxParticipants > session.MaxParticipants {
		return nil, session.ErrInvalidCapacity.With("max_participants", maxParticipants,
			"min", session.MinParticipants, "max", session.MaxParticipants)
	}
	if creator == "" {
		return nil, session.ErrNotParticipant.With("reason", "empty identity")
	}

	now := l.clock.Now()
	l.Evict(now)

	id := l.ids.ID()
	code, err := l.reserveCode(id)
	if err != nil {
		return nil, err
	}

	s := &session.Session{
		ID:              id,
		Code:            code,
		Creator:         creator,
		Stake:           stake,
		MaxParticipants: maxParticipants,
		Participants: []session.Participant{{
			Identity: creator,
			JoinedAt: now,
			LastSeen: now,
		}},
		Pot:            stake,
		State:          session.Lobby,
		CreatedAt:      now,
		PhaseStartedAt: now,
		Version:        1,
	}
	events := []session.Envelope{{
		Seq:       1,
		SessionID: id,
		Type:      session.EventTypeJoined,
		At:        now,
		Event:     session.JoinedEvent{Participant: creator, Pot: stake, Count: 1},
	}}

	if err := l.store.Save(ctx, s, events); err != nil {
		l.codes.Delete(code)
		return nil, fmt.Errorf("persist new session: %w", err)
	}

	e := &entry{}
	e.snap.Store(s)
	e.log.Store(&events)
	l.entries.Store(id, e)

	l.logger.Info("Session created", "session", id, "code", code, "creator", creator, "stake", stake, "max", maxParticipants)
	l.publish(events)
	return s.Clone(), nil
}

func (l *Ledger) reserveCode(id string) (string, error) {
	for i := 0; i < maxCodeAttempts; i++ {
		code := l.ids.Code()
		if _, taken := l.codes.LoadOrStore(code, id); !taken {
			return code, nil
		}
	}
	return "", fmt.Errorf("could not allocate a unique share code after %d attempts", maxCodeAttempts)
}

// Update runs fn against a private copy of the session under the session's
// transaction lock. On success the copy is validated, persisted and
// published; on error nothing changes. The committed snapshot is returned.
func (l *Ledger) Update(ctx context.Context, id string, fn func(*Tx) error) (*session.Session, error) {
	ctx, span := l.tracer.Start(ctx, "ledger.Update", trace.WithAttributes(attribute.String("session.id", id)))
	defer span.End()

	e, ok := l.entry(id)
	if !ok {
		return nil, session.ErrSessionNotFound.With("session", id)
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	current := e.snap.Load()
	tx := &Tx{
		ctx:     ctx,
		session: current.Clone(),
		now:     l.clock.Now(),
	}

	if err := fn(tx); err != nil {
		if errors.Is(err, ErrNoChange) {
			return current.Clone(), nil
		}
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	if len(tx.events) == 0 && !tx.dirty {
		return current.Clone(), nil
	}

	next := tx.session
	next.Version = current.Version + 1
	if err := next.CheckInvariants(); err != nil {
		l.logger.Error("Rejected mutation that breaks invariants", "session", id, "error", err)
		span.SetStatus(codes.Error, err.Error())
		return nil, fmt.Errorf("invariant violation in session %s: %w", id, err)
	}

	prior := e.events()
	var lastSeq uint64
	if n := len(prior); n > 0 {
		lastSeq = prior[n-1].Seq
	}
	envelopes := make([]session.Envelope, len(tx.events))
	for i, ev := range tx.events {
		envelopes[i] = session.Envelope{
			Seq:       lastSeq + uint64(i) + 1,
			SessionID: id,
			Type:      ev.EventType(),
			At:        tx.now,
			Event:     ev,
		}
	}

	if err := l.store.Save(ctx, next, envelopes); err != nil {
		span.SetStatus(codes.Error, err.Error())
		return nil, fmt.Errorf("persist session %s: %w", id, err)
	}

	appended := append(prior[:len(prior):len(prior)], envelopes...)
	e.snap.Store(next)
	e.log.Store(&appended)

	span.SetAttributes(attribute.Int64("session.version", int64(next.Version)), attribute.String("session.state", next.State.String()))
	l.logger.Debug("Committed", "session", id, "version", next.Version, "state", next.State, "events", len(envelopes))
	l.publish(envelopes)
	return next.Clone(), nil
}

func (l *Ledger) entry(id string) (*entry, bool) {
	v, ok := l.entries.Load(id)
	if !ok {
		return nil, false
	}
	return v.(*entry), true
}

// Get returns a snapshot of the session.
func (l *Ledger) Get(id string) (*session.Session, error) {
	e, ok := l.entry(id)
	if !ok {
		return nil, session.ErrSessionNotFound.With("session", id)
	}
	return e.snap.Load().Clone(), nil
}

// GetByCode returns a snapshot of the session with the given share code.
func (l *Ledger) GetByCode(code string) (*session.Session, error) {
	v, ok := l.codes.Load(sessionid.NormalizeCode(code))
	if !ok {
		return nil, session.ErrSessionNotFound.With("code", code)
	}
	return l.Get(v.(string))
}

// Participant returns a snapshot of one participant record.
func (l *Ledger) Participant(id string, who session.Identity) (session.Participant, error) {
	e, ok := l.entry(id)
	if !ok {
		return session.Participant{}, session.ErrSessionNotFound.With("session", id)
	}
	p, ok := e.snap.Load().Participant(who)
	if !ok {
		return session.Participant{}, session.ErrNotParticipant.With("session", id, "identity", who)
	}
	return *p, nil
}

// SessionsFor lists resident sessions the identity belongs to, oldest
// first.
func (l *Ledger) SessionsFor(who session.Identity) []*session.Session {
	var out []*session.Session
	l.entries.Range(func(_, v any) bool {
		s := v.(*entry).snap.Load()
		if s.IsParticipant(who) {
			out = append(out, s.Clone())
		}
		return true
	})
	sortByCreated(out)
	return out
}

// List returns snapshots of every resident session, oldest first.
func (l *Ledger) List() []*session.Session {
	var out []*session.Session
	l.entries.Range(func(_, v any) bool {
		out = append(out, v.(*entry).snap.Load().Clone())
		return true
	})
	sortByCreated(out)
	return out
}

// Events returns the session's events with sequence numbers after afterSeq.
func (l *Ledger) Events(id string, afterSeq uint64) ([]session.Envelope, error) {
	e, ok := l.entry(id)
	if !ok {
		return nil, session.ErrSessionNotFound.With("session", id)
	}
	all := e.events()
	for i, env := range all {
		if env.Seq > afterSeq {
			return append([]session.Envelope(nil), all[i:]...), nil
		}
	}
	return nil, nil
}

// Audit returns a session and its full event log, reading through to the
// store for sessions that have been evicted from memory.
func (l *Ledger) Audit(ctx context.Context, id string) (*session.Session, []session.Envelope, error) {
	if e, ok := l.entry(id); ok {
		return e.snap.Load().Clone(), append([]session.Envelope(nil), e.events()...), nil
	}
	s, err := l.store.Load(ctx, id)
	if err != nil {
		return nil, nil, err
	}
	events, err := l.store.Events(ctx, id, 0)
	if err != nil {
		return nil, nil, err
	}
	return s, events, nil
}

// Evict drops terminal sessions whose retention period has lapsed. They
// remain available through Audit.
func (l *Ledger) Evict(now time.Time) int {
	if l.rules.RetainFor <= 0 {
		return 0
	}
	evicted := 0
	l.entries.Range(func(k, v any) bool {
		s := v.(*entry).snap.Load()
		if s.State.Terminal() && !s.EndedAt.IsZero() && now.Sub(s.EndedAt) >= l.rules.RetainFor {
			l.entries.Delete(k)
			l.codes.CompareAndDelete(s.Code, s.ID)
			evicted++
		}
		return true
	})
	if evicted > 0 {
		l.logger.Debug("Evicted terminal sessions", "count", evicted)
	}
	return evicted
}

func sortByCreated(sessions []*session.Session) {
	sort.Slice(sessions, func(i, j int) bool {
		if !sessions[i].CreatedAt.Equal(sessions[j].CreatedAt) {
			return sessions[i].CreatedAt.Before(sessions[j].CreatedAt)
		}
		return sessions[i].ID < sessions[j].ID
	})
}
