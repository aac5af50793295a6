package ledger

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/charmbracelet/log"
	"github.com/coder/quartz"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"github.com/lox/sus/internal/session"
)

func testLogger() *log.Logger {
	return log.NewWithOptions(io.Discard, log.Options{Level: log.ErrorLevel})
}

func newTestLedger(t *testing.T) (*Ledger, *quartz.Mock) {
	t.Helper()
	clock := quartz.NewMock(t)
	l := New(Options{
		Rules:  Rules{MinStake: 10, MaxStake: 1000, RetainFor: time.Hour},
		Clock:  clock,
		Logger: testLogger(),
	})
	return l, clock
}

func join(t *testing.T, l *Ledger, id string, who session.Identity, stake session.Amount) (*session.Session, error) {
	t.Helper()
	return l.Update(context.Background(), id, func(tx *Tx) error {
		return tx.Join(who, stake)
	})
}

func TestCreateValidatesStakeAndCapacity(t *testing.T) {
	l, _ := newTestLedger(t)
	ctx := context.Background()

	tests := []struct {
		name    string
		stake   session.Amount
		max     int
		wantErr error
	}{
		{name: "stake below minimum", stake: 5, max: 4, wantErr: session.ErrInvalidStake},
		{name: "stake above maximum", stake: 5000, max: 4, wantErr: session.ErrInvalidStake},
		{name: "zero stake", stake: 0, max: 4, wantErr: session.ErrInvalidStake},
		{name: "capacity too small", stake: 100, max: 2, wantErr: session.ErrInvalidCapacity},
		{name: "capacity too large", stake: 100, max: 11, wantErr: session.ErrInvalidCapacity},
		{name: "valid", stake: 100, max: 10},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s, err := l.Create(ctx, "alice", tt.stake, tt.max)
			if tt.wantErr != nil {
				require.ErrorIs(t, err, tt.wantErr)
				assert.Equal(t, session.KindValidation, session.KindOf(err))
				return
			}
			require.NoError(t, err)
			assert.Equal(t, session.Lobby, s.State)
			assert.Equal(t, tt.stake, s.Pot)
			assert.Equal(t, session.Identity("alice"), s.Participants[0].Identity)
		})
	}
}

func TestCreateAssignsIDAndCode(t *testing.T) {
	l, _ := newTestLedger(t)
	s, err := l.Create(context.Background(), "alice", 100, 4)
	require.NoError(t, err)

	byCode, err := l.GetByCode(s.Code)
	require.NoError(t, err)
	assert.Equal(t, s.ID, byCode.ID)

	_, err = l.GetByCode("zzzzzz")
	assert.ErrorIs(t, err, session.ErrSessionNotFound)
}

func TestJoinRejections(t *testing.T) {
	l, _ := newTestLedger(t)
	s, err := l.Create(context.Background(), "alice", 100, 3)
	require.NoError(t, err)

	_, err = join(t, l, s.ID, "bob", 99)
	require.ErrorIs(t, err, session.ErrStakeMismatch)

	_, err = join(t, l, s.ID, "alice", 100)
	require.ErrorIs(t, err, session.ErrDuplicateParticipant)

	_, err = join(t, l, s.ID, "bob", 100)
	require.NoError(t, err)
	_, err = join(t, l, s.ID, "carol", 100)
	require.NoError(t, err)

	_, err = join(t, l, s.ID, "dave", 100)
	require.ErrorIs(t, err, session.ErrSessionFull)

	got, err := l.Get(s.ID)
	require.NoError(t, err)
	assert.Len(t, got.Participants, 3)
	assert.Equal(t, session.Amount(300), got.Pot)
}

func TestUpdateIsAtomic(t *testing.T) {
	l, _ := newTestLedger(t)
	s, err := l.Create(context.Background(), "alice", 100, 4)
	require.NoError(t, err)

	boom := errors.New("boom")
	_, err = l.Update(context.Background(), s.ID, func(tx *Tx) error {
		require.NoError(t, tx.Join("bob", 100))
		return boom
	})
	require.ErrorIs(t, err, boom)

	got, err := l.Get(s.ID)
	require.NoError(t, err)
	assert.Len(t, got.Participants, 1)
	assert.Equal(t, s.Version, got.Version)

	events, err := l.Events(s.ID, 0)
	require.NoError(t, err)
	assert.Len(t, events, 1, "failed mutation must not append events")
}

func TestUpdateRejectsInvariantViolations(t *testing.T) {
	l, _ := newTestLedger(t)
	s, err := l.Create(context.Background(), "alice", 100, 4)
	require.NoError(t, err)

	_, err = l.Update(context.Background(), s.ID, func(tx *Tx) error {
		tx.Session().Pot += 1
		tx.Changed()
		return nil
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invariant")

	got, err := l.Get(s.ID)
	require.NoError(t, err)
	assert.Equal(t, session.Amount(100), got.Pot)
}

func TestSnapshotsAreIsolated(t *testing.T) {
	l, _ := newTestLedger(t)
	s, err := l.Create(context.Background(), "alice", 100, 4)
	require.NoError(t, err)

	snap, err := l.Get(s.ID)
	require.NoError(t, err)
	snap.Participants[0].Identity = "mallory"
	snap.Pot = 0

	again, err := l.Get(s.ID)
	require.NoError(t, err)
	assert.Equal(t, session.Identity("alice"), again.Participants[0].Identity)
	assert.Equal(t, session.Amount(100), again.Pot)
}

func TestNoChangeSkipsCommit(t *testing.T) {
	l, _ := newTestLedger(t)
	s, err := l.Create(context.Background(), "alice", 100, 4)
	require.NoError(t, err)

	got, err := l.Update(context.Background(), s.ID, func(tx *Tx) error {
		return ErrNoChange
	})
	require.NoError(t, err)
	assert.Equal(t, s.Version, got.Version)
}

func TestEventsAreSequencedAndPublished(t *testing.T) {
	l, _ := newTestLedger(t)

	var mu sync.Mutex
	var seen []session.EventType
	l.Subscribe(SubscriberFunc(func(env session.Envelope) {
		mu.Lock()
		defer mu.Unlock()
		seen = append(seen, env.Type)
	}))

	s, err := l.Create(context.Background(), "alice", 100, 4)
	require.NoError(t, err)
	_, err = join(t, l, s.ID, "bob", 100)
	require.NoError(t, err)
	_, err = l.Update(context.Background(), s.ID, func(tx *Tx) error {
		return tx.Remove("bob")
	})
	require.NoError(t, err)

	events, err := l.Events(s.ID, 0)
	require.NoError(t, err)
	require.Len(t, events, 3)
	for i, env := range events {
		assert.Equal(t, uint64(i+1), env.Seq)
		assert.Equal(t, s.ID, env.SessionID)
	}

	tail, err := l.Events(s.ID, 2)
	require.NoError(t, err)
	require.Len(t, tail, 1)
	assert.Equal(t, session.EventTypeLeft, tail[0].Type)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []session.EventType{session.EventTypeJoined, session.EventTypeJoined, session.EventTypeLeft}, seen)
}

func TestConcurrentJoinsSerialize(t *testing.T) {
	l, _ := newTestLedger(t)
	s, err := l.Create(context.Background(), "host", 100, 10)
	require.NoError(t, err)

	var wg sync.WaitGroup
	var mu sync.Mutex
	accepted := 0
	for i := 0; i < 30; i++ {
		who := session.Identity(fmt.Sprintf("p%d", i%15))
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := join(t, l, s.ID, who, 100); err == nil {
				mu.Lock()
				accepted++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	got, err := l.Get(s.ID)
	require.NoError(t, err)
	assert.Equal(t, 9, accepted)
	assert.Len(t, got.Participants, 10)
	assert.Equal(t, got.ExpectedPot(), got.Pot)
	require.NoError(t, got.CheckInvariants())
}

func TestDistinctSessionsProceedIndependently(t *testing.T) {
	l, _ := newTestLedger(t)
	a, err := l.Create(context.Background(), "alice", 100, 4)
	require.NoError(t, err)
	b, err := l.Create(context.Background(), "bob", 100, 4)
	require.NoError(t, err)

	entered := make(chan struct{})
	release := make(chan struct{})
	done := make(chan error, 1)
	go func() {
		_, err := l.Update(context.Background(), a.ID, func(tx *Tx) error {
			close(entered)
			<-release
			return tx.Join("carol", 100)
		})
		done <- err
	}()
	<-entered

	// a's transaction lock is held; b and reads of a must not block.
	_, err = join(t, l, b.ID, "dave", 100)
	require.NoError(t, err)
	snap, err := l.Get(a.ID)
	require.NoError(t, err)
	assert.Len(t, snap.Participants, 1)

	close(release)
	require.NoError(t, <-done)
}

func TestSessionsForAndParticipant(t *testing.T) {
	l, clock := newTestLedger(t)
	a, err := l.Create(context.Background(), "alice", 100, 4)
	require.NoError(t, err)
	clock.Advance(time.Second)
	b, err := l.Create(context.Background(), "bob", 100, 4)
	require.NoError(t, err)
	_, err = join(t, l, b.ID, "alice", 100)
	require.NoError(t, err)

	sessions := l.SessionsFor("alice")
	require.Len(t, sessions, 2)
	assert.Equal(t, a.ID, sessions[0].ID)
	assert.Equal(t, b.ID, sessions[1].ID)
	assert.Len(t, l.SessionsFor("bob"), 1)

	p, err := l.Participant(b.ID, "alice")
	require.NoError(t, err)
	assert.Equal(t, clock.Now(), p.JoinedAt)

	_, err = l.Participant(b.ID, "zed")
	assert.ErrorIs(t, err, session.ErrNotParticipant)
}

func TestEvictTerminalSessionsAfterRetention(t *testing.T) {
	l, clock := newTestLedger(t)
	s, err := l.Create(context.Background(), "alice", 100, 4)
	require.NoError(t, err)

	_, err = l.Update(context.Background(), s.ID, func(tx *Tx) error {
		require.NoError(t, tx.Remove("alice"))
		tx.Enter(session.Cancelled, time.Time{})
		return nil
	})
	require.NoError(t, err)

	assert.Equal(t, 0, l.Evict(clock.Now().Add(30*time.Minute)))
	assert.Equal(t, 1, l.Evict(clock.Now().Add(time.Hour)))

	_, err = l.Get(s.ID)
	assert.ErrorIs(t, err, session.ErrSessionNotFound)

	audited, events, err := l.Audit(context.Background(), s.ID)
	require.NoError(t, err)
	assert.Equal(t, session.Cancelled, audited.State)
	assert.Len(t, events, 2)
}

func TestRestoreFromStore(t *testing.T) {
	store := NewMemoryStore()
	clock := quartz.NewMock(t)
	first := New(Options{Rules: Rules{MinStake: 1}, Clock: clock, Store: store, Logger: testLogger()})
	s, err := first.Create(context.Background(), "alice", 100, 4)
	require.NoError(t, err)
	_, err = join(t, first, s.ID, "bob", 100)
	require.NoError(t, err)

	second := New(Options{Rules: Rules{MinStake: 1}, Clock: clock, Store: store, Logger: testLogger()})
	n, err := second.Restore(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	got, err := second.GetByCode(s.Code)
	require.NoError(t, err)
	assert.Len(t, got.Participants, 2)

	events, err := second.Events(s.ID, 0)
	require.NoError(t, err)
	assert.Len(t, events, 2)
}

func TestUpdateRecordsSpan(t *testing.T) {
	rec := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(rec))
	l := New(Options{
		Rules:  Rules{MinStake: 10, MaxStake: 1000, RetainFor: time.Hour},
		Clock:  quartz.NewMock(t),
		Logger: testLogger(),
		Tracer: tp,
	})
	s, err := l.Create(context.Background(), "alice", 100, 4)
	require.NoError(t, err)
	_, err = join(t, l, s.ID, "bob", 100)
	require.NoError(t, err)
	_, err = join(t, l, s.ID, "carol", 50)
	require.ErrorIs(t, err, session.ErrStakeMismatch)

	var updates []sdktrace.ReadOnlySpan
	for _, span := range rec.Ended() {
		if span.Name() == "ledger.Update" {
			updates = append(updates, span)
		}
	}
	require.Len(t, updates, 2)

	attrs := func(span sdktrace.ReadOnlySpan) map[attribute.Key]attribute.Value {
		out := map[attribute.Key]attribute.Value{}
		for _, kv := range span.Attributes() {
			out[kv.Key] = kv.Value
		}
		return out
	}
	committed := attrs(updates[0])
	assert.Equal(t, s.ID, committed["session.id"].AsString())
	assert.Equal(t, session.Lobby.String(), committed["session.state"].AsString())
	assert.Equal(t, codes.Unset, updates[0].Status().Code)

	rejected := attrs(updates[1])
	assert.Equal(t, s.ID, rejected["session.id"].AsString())
	assert.Equal(t, codes.Error, updates[1].Status().Code)
}
