package ledger

import (
	"context"
	"time"

	"github.com/lox/sus/internal/session"
)

// Tx is a single in-flight mutation of one session.
type Tx struct {
	ctx     context.Context
	session *session.Session
	now     time.Time
	events  []session.Event
	dirty   bool
}

// Context returns the context the transaction runs under.
func (tx *Tx) Context() context.Context { return tx.ctx }

// Session returns the private working copy.
func (tx *Tx) Session() *session.Session { return tx.session }

// Now is the transaction's single point in time; every deadline check in
// the transaction uses it.
func (tx *Tx) Now() time.Time { return tx.now }

// Emit stages an event for publication on commit.
func (tx *Tx) Emit(ev session.Event) {
	tx.events = append(tx.events, ev)
}

// Changed marks the transaction as modifying the session even if it emits
// no events.
func (tx *Tx) Changed() {
	tx.dirty = true
}

// Events returns the events staged so far.
func (tx *Tx) Events() []session.Event {
	return tx.events
}

// Enter moves the session into state, stamping the phase start and the
// phase deadline (zero for none).
func (tx *Tx) Enter(state session.State, deadline time.Time) {
	s := tx.session
	s.State = state
	s.PhaseStartedAt = tx.now
	s.Deadline = deadline
	if state.Terminal() && s.EndedAt.IsZero() {
		s.EndedAt = tx.now
	}
	tx.dirty = true
}

// Join adds a staked participant to a lobby.
func (tx *Tx) Join(who session.Identity, supplied session.Amount) error {
	s := tx.session
	if s.State != session.Lobby || s.Settling() {
		return session.ErrWrongState.With("state", s.State, "required", session.Lobby)
	}
	if who == "" {
		return session.ErrNotParticipant.With("reason", "empty identity")
	}
	if supplied != s.Stake {
		return session.ErrStakeMismatch.With("supplied", supplied, "required", s.Stake)
	}
	if s.IsParticipant(who) {
		return session.ErrDuplicateParticipant.With("identity", who)
	}
	if s.Full() {
		return session.ErrSessionFull.With("capacity", s.MaxParticipants)
	}

	s.Participants = append(s.Participants, session.Participant{
		Identity: who,
		JoinedAt: tx.now,
		LastSeen: tx.now,
	})
	s.Pot += supplied
	tx.Emit(session.JoinedEvent{Participant: who, Pot: s.Pot, Count: len(s.Participants)})
	return nil
}

// Remove takes a participant off a lobby roster and releases their stake
// from the pot. The caller is responsible for having transferred it.
func (tx *Tx) Remove(who session.Identity) error {
	s := tx.session
	if s.State != session.Lobby || s.Settling() {
		return session.ErrWrongState.With("state", s.State, "required", session.Lobby)
	}
	i := s.Index(who)
	if i < 0 {
		return session.ErrNotParticipant.With("identity", who)
	}
	s.Participants = append(s.Participants[:i], s.Participants[i+1:]...)
	s.Pot -= s.Stake
	tx.Emit(session.LeftEvent{Participant: who, Refund: s.Stake, Pot: s.Pot})
	return nil
}

// Touch records activity from a participant. Unknown identities are
// ignored.
func (tx *Tx) Touch(who session.Identity) {
	if p, ok := tx.session.Participant(who); ok {
		p.LastSeen = tx.now
		p.Disconnected = false
		tx.dirty = true
	}
}
