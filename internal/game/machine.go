package game

import (
	"time"

	"github.com/charmbracelet/log"

	"github.com/lox/sus/internal/ledger"
	"github.com/lox/sus/internal/payout"
	"github.com/lox/sus/internal/roles"
	"github.com/lox/sus/internal/session"
	"github.com/lox/sus/internal/votes"
)

// Settlement reasons recorded on staged outcomes.
const (
	ReasonDefectorEliminated = "defector_eliminated"
	ReasonDefected           = "defected"
	ReasonCrewOutnumbered    = "crew_outnumbered"
	ReasonCreatorCancelled   = "creator_cancelled"
	ReasonAbandoned          = "abandoned"
	ReasonLobbyTimeout       = "lobby_timeout"
	ReasonHostAbandoned      = "host_abandoned"
	ReasonRevealTimeout      = "reveal_timeout"
	ReasonMassDisconnect     = "mass_disconnect"
	ReasonStalemate          = "stalemate"
	ReasonDisputeRefund      = "dispute_refund"
	ReasonDisputeTimeout     = "dispute_timeout"
)

// machine holds the transitions shared by intents and timeouts. Every
// method runs inside a ledger transaction.
type machine struct {
	rules    Rules
	roles    *roles.Assigner
	payout   *payout.Engine
	notifier Notifier
	logger   *log.Logger
}

func deadlinePassed(s *session.Session, now time.Time) bool {
	return !s.Deadline.IsZero() && !now.Before(s.Deadline)
}

func roster(s *session.Session) []session.Identity {
	ids := make([]session.Identity, len(s.Participants))
	for i, p := range s.Participants {
		ids[i] = p.Identity
	}
	return ids
}

// commitRoles moves a lobby to RoleCommitted, publishing only the
// commitment over the final roster.
func (m *machine) commitRoles(tx *ledger.Tx) error {
	s := tx.Session()
	if len(s.Participants) < session.MinParticipants {
		return session.ErrInvalidTransition.With("have", len(s.Participants), "required", session.MinParticipants)
	}
	ids := roster(s)
	c, err := m.roles.Commit(s.ID, ids)
	if err != nil {
		return err
	}
	s.Commitment = c
	revealBy := tx.Now().Add(m.rules.RevealWindow)
	tx.Enter(session.RoleCommitted, revealBy)
	tx.Emit(session.RoleCommittedEvent{Commitment: c, Participants: ids, RevealBy: revealBy})
	m.logger.Info("Roles committed", "session", s.ID, "participants", len(ids), "commitment", c)
	return nil
}

// reveal opens the sealed selection and verifies it against the stored
// commitment before any role is assigned.
func (m *machine) reveal(tx *ledger.Tx) error {
	s := tx.Session()
	if s.State != session.RoleCommitted {
		if s.Defector != "" {
			return ledger.ErrNoChange
		}
		return session.ErrInvalidTransition.With("state", s.State, "required", session.RoleCommitted)
	}
	o, err := m.roles.Open(s.ID)
	if err != nil {
		return session.ErrCommitmentMismatch.With("reason", "opening unavailable").Wrap(err)
	}
	if !roles.Verify(s.Commitment, o) {
		return session.ErrCommitmentMismatch.With("commitment", s.Commitment)
	}
	if !s.IsParticipant(o.Defector) {
		return session.ErrCommitmentMismatch.With("reason", "opening names a non-participant")
	}

	s.Defector = o.Defector
	for i := range s.Participants {
		if s.Participants[i].Identity == o.Defector {
			s.Participants[i].Role = session.RoleDefector
		} else {
			s.Participants[i].Role = session.RoleCrew
		}
	}
	tx.Enter(session.RoleRevealed, tx.Now().Add(m.rules.RoleViewDuration))
	tx.Emit(session.RoleRevealedEvent{Defector: o.Defector, Nonce: o.Nonce})
	m.logger.Info("Roles revealed", "session", s.ID)
	return nil
}

func (m *machine) openDiscussion(tx *ledger.Tx) {
	s := tx.Session()
	s.Round = 1
	votes.ResetRound(s)
	deadline := tx.Now().Add(m.rules.DiscussionPeriod)
	tx.Enter(session.Discussion, deadline)
	tx.Emit(session.RoundAdvancedEvent{Round: s.Round, Deadline: deadline})
}

func (m *machine) openVoting(tx *ledger.Tx, calledBy session.Identity) {
	s := tx.Session()
	deadline := tx.Now().Add(m.rules.VotingPeriod)
	tx.Enter(session.Voting, deadline)
	tx.Emit(session.VotingOpenedEvent{Round: s.Round, CalledBy: calledBy, Deadline: deadline})
}

// tally resolves the current round, then checks win conditions before
// opening the next one.
func (m *machine) tally(tx *ledger.Tx) error {
	s := tx.Session()
	r := votes.Count(s)
	if r.Eliminated != "" {
		p, _ := s.Participant(r.Eliminated)
		p.Eliminated = true
		tx.Emit(session.EliminatedEvent{
			Round:       r.Round,
			Participant: r.Eliminated,
			Votes:       r.Votes,
			Alive:       s.AliveCount(),
		})
	}
	m.logger.Info("Round tallied", "session", s.ID, "round", r.Round, "cast", r.Cast, "alive", r.Alive, "eliminated", r.Eliminated, "tie", r.Tie)

	switch {
	case r.Eliminated != "" && r.Eliminated == s.Defector:
		plan, err := payout.CrewWin(s, ReasonDefectorEliminated)
		if err != nil {
			return err
		}
		return m.payout.Stage(tx, plan)
	case len(s.AliveCrew()) <= 1:
		// A lone crew member can never hold a majority against a live
		// defector, so no later round can identify them.
		plan, err := payout.DefectorTakesAll(s, session.OutcomeDefectorWin, ReasonCrewOutnumbered)
		if err != nil {
			return err
		}
		return m.payout.Stage(tx, plan)
	case s.PresentCount() < 2:
		return m.refundAll(tx, ReasonMassDisconnect, session.Ended)
	case m.rules.MaxRounds > 0 && s.Round >= m.rules.MaxRounds:
		return m.refundAll(tx, ReasonStalemate, session.Ended)
	}

	s.Round++
	votes.ResetRound(s)
	deadline := tx.Now().Add(m.rules.DiscussionPeriod)
	tx.Enter(session.Discussion, deadline)
	tx.Emit(session.RoundAdvancedEvent{Round: s.Round, Eliminated: r.Eliminated, Deadline: deadline})
	return nil
}

func (m *machine) refundAll(tx *ledger.Tx, reason string, terminal session.State) error {
	return m.payout.Stage(tx, payout.RefundAll(tx.Session(), reason, terminal))
}

// resolveRefund replaces the outcome of a disputed session with
// refund-all. Once any transfer of the outcome has been attempted it may
// have landed, and nothing can be clawed back.
func (m *machine) resolveRefund(tx *ledger.Tx, resolution string) error {
	s := tx.Session()
	if s.Settlement != nil && s.Settlement.Attempted() {
		return session.ErrDisputeUnresolvable.With("reason", "transfers already attempted", "paid", s.Settlement.Paid())
	}
	s.Dispute.Resolution = resolution
	s.Dispute.ResolvedAt = tx.Now()
	return m.payout.Replace(tx, payout.RefundAll(s, resolution, session.Cancelled))
}

// resolveUphold releases the outcome decided before the dispute.
func (m *machine) resolveUphold(tx *ledger.Tx, resolution string) error {
	s := tx.Session()
	if s.Settlement == nil {
		return session.ErrDisputeUnresolvable.With("reason", "no outcome to uphold", "from", s.Dispute.From)
	}
	s.Dispute.Resolution = resolution
	s.Dispute.ResolvedAt = tx.Now()
	tx.Changed()
	return nil
}
