// Package payout builds the transfer plan for a decided outcome and settles
// it against the funds collaborator, one transfer per ledger transaction.
package payout

import (
	"context"
	"fmt"
	"time"

	"github.com/charmbracelet/log"

	"github.com/lox/sus/internal/ledger"
	"github.com/lox/sus/internal/session"
)

// Transfer is a single movement of funds out of a pot.
type Transfer = session.Transfer

// Transferer moves funds to a recipient. Implementations must treat a
// repeated Key as the same transfer.
type Transferer interface {
	Transfer(ctx context.Context, t Transfer) error
}

// Key returns the idempotency key for the seq'th transfer of a session's
// generation'th plan.
func Key(sessionID string, outcome session.Outcome, generation, seq int) string {
	return fmt.Sprintf("%s/%s/%d/%d", sessionID, outcome, generation, seq)
}

func plan(s *session.Session, outcome session.Outcome, reason string, terminal session.State, recipients []session.Identity, amounts []session.Amount) *session.Settlement {
	generation := 1
	if s.Settlement != nil {
		generation = s.Settlement.Generation + 1
	}
	p := &session.Settlement{
		Outcome:    outcome,
		Reason:     reason,
		Pot:        s.Pot,
		Terminal:   terminal,
		Generation: generation,
	}
	for i, who := range recipients {
		p.Transfers = append(p.Transfers, Transfer{
			Seq:       i + 1,
			Key:       Key(s.ID, outcome, generation, i+1),
			Recipient: who,
			Amount:    amounts[i],
		})
	}
	return p
}

// CrewWin splits the pot equally over the surviving crew. The remainder
// goes to the first survivor by join order.
func CrewWin(s *session.Session, reason string) (*session.Settlement, error) {
	crew := s.AliveCrew()
	if len(crew) == 0 {
		return nil, session.ErrInvalidTransition.With("reason", "no surviving crew")
	}
	share := s.Pot / session.Amount(len(crew))
	remainder := s.Pot % session.Amount(len(crew))
	amounts := make([]session.Amount, len(crew))
	for i := range crew {
		amounts[i] = share
	}
	amounts[0] += remainder
	return plan(s, session.OutcomeCrewWin, reason, session.Ended, crew, amounts), nil
}

// DefectorTakesAll pays the entire pot to the verified defector.
func DefectorTakesAll(s *session.Session, outcome session.Outcome, reason string) (*session.Settlement, error) {
	if s.Defector == "" {
		return nil, session.ErrInvalidTransition.With("reason", "no verified defector")
	}
	return plan(s, outcome, reason, session.Ended,
		[]session.Identity{s.Defector}, []session.Amount{s.Pot}), nil
}

// RefundAll returns exactly one stake to every participant, eliminated or
// not, and finishes in terminal.
func RefundAll(s *session.Session, reason string, terminal session.State) *session.Settlement {
	recipients := make([]session.Identity, len(s.Participants))
	amounts := make([]session.Amount, len(s.Participants))
	for i, p := range s.Participants {
		recipients[i] = p.Identity
		amounts[i] = s.Stake
	}
	return plan(s, session.OutcomeRefund, reason, terminal, recipients, amounts)
}

// Engine stages settlements on sessions and drives them to completion.
type Engine struct {
	funds  Transferer
	logger *log.Logger
}

// NewEngine returns an engine paying through funds.
func NewEngine(funds Transferer, logger *log.Logger) *Engine {
	if logger == nil {
		logger = log.Default()
	}
	return &Engine{funds: funds, logger: logger.WithPrefix("payout")}
}

// Stage records p as the session's one settlement. A session never gets a
// second plan.
func (e *Engine) Stage(tx *ledger.Tx, p *session.Settlement) error {
	s := tx.Session()
	if s.State.Terminal() {
		return session.ErrAlreadyPaid.With("state", s.State)
	}
	if s.Settlement != nil {
		return session.ErrInvalidTransition.With("reason", "outcome already decided", "outcome", s.Settlement.Outcome)
	}
	if p.Total() != s.Pot {
		return fmt.Errorf("settlement plans %d of pot %d", p.Total(), s.Pot)
	}
	s.Settlement = p
	tx.Changed()
	e.logger.Info("Settlement staged", "session", s.ID, "outcome", p.Outcome, "reason", p.Reason, "transfers", len(p.Transfers))
	return nil
}

// Replace swaps the session's staged plan for p. A plan with any transfer
// attempted stays in force, since the funds may already have moved.
func (e *Engine) Replace(tx *ledger.Tx, p *session.Settlement) error {
	s := tx.Session()
	if old := s.Settlement; old != nil {
		if old.Attempted() {
			return session.ErrAlreadyPaid.With("reason", "transfers already attempted", "paid", old.Paid())
		}
		if p.Generation <= old.Generation {
			return fmt.Errorf("replacement plan generation %d does not follow %d", p.Generation, old.Generation)
		}
		e.logger.Info("Settlement replaced", "session", s.ID, "outcome", old.Outcome, "replacement", p.Outcome)
	}
	s.Settlement = nil
	return e.Stage(tx, p)
}

// Step advances the next unsettled transfer by one commit: first the
// transfer is marked attempted, then a later Step issues it. Once every
// transfer has settled the pot is released and the session enters the
// plan's terminal state; Step then reports done.
func (e *Engine) Step(tx *ledger.Tx) (bool, error) {
	s := tx.Session()
	if s.State.Terminal() {
		return true, ledger.ErrNoChange
	}
	p := s.Settlement
	if p == nil {
		return false, session.ErrInvalidTransition.With("state", s.State, "reason", "no outcome decided")
	}
	if s.Dispute.Open() {
		return false, session.ErrPayoutFrozen.With("state", s.State, "disputed_by", s.Dispute.By)
	}

	for i := range p.Transfers {
		t := &p.Transfers[i]
		if t.Settled {
			continue
		}
		if !t.Attempted {
			t.Attempted = true
			tx.Changed()
			return false, nil
		}
		if err := e.funds.Transfer(tx.Context(), *t); err != nil {
			e.logger.Warn("Transfer failed", "session", s.ID, "key", t.Key, "recipient", t.Recipient, "amount", t.Amount, "error", err)
			return false, session.ErrTransferFailed.With("key", t.Key, "recipient", t.Recipient, "amount", t.Amount).Wrap(err)
		}
		t.Settled = true
		tx.Changed()
		if p.Outcome == session.OutcomeRefund {
			tx.Emit(session.RefundedEvent{Participant: t.Recipient, Amount: t.Amount, Reason: p.Reason})
		}
		e.logger.Debug("Transfer settled", "session", s.ID, "key", t.Key, "recipient", t.Recipient, "amount", t.Amount)
		break
	}

	if !p.Settled() {
		return false, nil
	}
	e.finish(tx)
	return true, nil
}

func (e *Engine) finish(tx *ledger.Tx) {
	s := tx.Session()
	p := s.Settlement
	s.Pot = 0
	tx.Enter(p.Terminal, time.Time{})
	if p.Terminal == session.Cancelled {
		tx.Emit(session.CancelledEvent{Reason: p.Reason, Pot: p.Pot})
	} else {
		tx.Emit(session.GameEndedEvent{
			Outcome:   p.Outcome,
			Reason:    p.Reason,
			Defector:  s.Defector,
			Pot:       p.Pot,
			Transfers: append([]Transfer(nil), p.Transfers...),
		})
	}
	e.logger.Info("Session settled", "session", s.ID, "outcome", p.Outcome, "state", s.State, "pot", p.Pot)
}

// Settle drives the session's staged settlement to completion, committing
// each transfer as it settles. On a failed transfer the session keeps its
// pot and the settled prefix; calling Settle again resumes from there.
func (e *Engine) Settle(ctx context.Context, l *ledger.Ledger, id string) (*session.Session, error) {
	for {
		var done bool
		s, err := l.Update(ctx, id, func(tx *ledger.Tx) error {
			var err error
			done, err = e.Step(tx)
			return err
		})
		if err != nil {
			return nil, err
		}
		if done {
			return s, nil
		}
	}
}

// Refund pays a single stake back outside any settlement, for a
// participant leaving a lobby.
func (e *Engine) Refund(ctx context.Context, key string, who session.Identity, amount session.Amount) error {
	if err := e.funds.Transfer(ctx, Transfer{Key: key, Recipient: who, Amount: amount}); err != nil {
		e.logger.Warn("Refund failed", "key", key, "recipient", who, "amount", amount, "error", err)
		return session.ErrTransferFailed.With("key", key, "recipient", who, "amount", amount).Wrap(err)
	}
	return nil
}
