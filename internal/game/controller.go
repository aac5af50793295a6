package game

import (
	"context"
	"errors"
	"fmt"

	"github.com/charmbracelet/log"

	"github.com/lox/sus/internal/ledger"
	"github.com/lox/sus/internal/payout"
	"github.com/lox/sus/internal/roles"
	"github.com/lox/sus/internal/session"
	"github.com/lox/sus/internal/votes"
)

// Resolution is the outcome chosen for a disputed session.
type Resolution int

const (
	// Uphold releases the outcome decided before the dispute.
	Uphold Resolution = iota
	// RefundAll returns every stake and cancels the session.
	RefundAll
)

func (r Resolution) String() string {
	if r == RefundAll {
		return "refund_all"
	}
	return "uphold"
}

// Options configures a Controller.
type Options struct {
	Ledger   *ledger.Ledger
	Roles    *roles.Assigner
	Funds    payout.Transferer
	Rules    Rules
	Notifier Notifier
	Logger   *log.Logger
}

// Controller is the single entry point for session intents.
type Controller struct {
	ledger   *ledger.Ledger
	machine  *machine
	monitor  *Monitor
	payout   *payout.Engine
	roles    *roles.Assigner
	notifier Notifier
	logger   *log.Logger
}

// NewController wires a controller to its ledger and collaborators.
func NewController(opts Options) *Controller {
	if opts.Logger == nil {
		opts.Logger = log.Default()
	}
	if opts.Roles == nil {
		opts.Roles = roles.NewAssigner(nil, nil)
	}
	if opts.Funds == nil {
		opts.Funds = payout.NewBank()
	}
	if opts.Notifier == nil {
		opts.Notifier = NewLogNotifier(opts.Logger)
	}
	logger := opts.Logger.WithPrefix("game")
	engine := payout.NewEngine(opts.Funds, opts.Logger)
	m := &machine{
		rules:    opts.Rules,
		roles:    opts.Roles,
		payout:   engine,
		notifier: opts.Notifier,
		logger:   logger,
	}
	c := &Controller{
		ledger:   opts.Ledger,
		machine:  m,
		monitor:  &Monitor{machine: m},
		payout:   engine,
		roles:    opts.Roles,
		notifier: opts.Notifier,
		logger:   logger,
	}
	opts.Ledger.Subscribe(ledger.SubscriberFunc(c.observe))
	return c
}

// Ledger returns the ledger the controller writes to.
func (c *Controller) Ledger() *ledger.Ledger {
	return c.ledger
}

// Rules returns the lifecycle rules in effect.
func (c *Controller) Rules() Rules {
	return c.machine.rules
}

func (c *Controller) observe(env session.Envelope) {
	switch ev := env.Event.(type) {
	case session.VotingOpenedEvent:
		c.notifier.VotingOpened(env.SessionID, ev.Round, ev.Deadline)
	case session.GameEndedEvent:
		c.roles.Forget(env.SessionID)
		c.notifier.SessionEnded(env.SessionID, session.Ended, ev.Reason)
	case session.CancelledEvent:
		c.roles.Forget(env.SessionID)
		c.notifier.SessionEnded(env.SessionID, session.Cancelled, ev.Reason)
	case session.RoleRevealedEvent:
		c.roles.Forget(env.SessionID)
	}
}

// do applies due timeouts, runs fn as one transaction, then drives any
// staged settlement.
func (c *Controller) do(ctx context.Context, id, op string, fn func(*ledger.Tx) error) (*session.Session, error) {
	polled, err := c.ledger.Update(ctx, id, c.monitor.Apply)
	if err != nil {
		c.report(id, "poll", err)
		return nil, err
	}
	s, err := c.ledger.Update(ctx, id, c.guard(fn))
	if err != nil {
		c.report(id, op, err)
		if polled.Settling() {
			_, _ = c.settle(ctx, polled)
		}
		return nil, err
	}
	return c.settle(ctx, s)
}

// guard wraps an intent so that it first applies any deadline lapsed by
// its own transaction's clock reading. A deadline passing after the
// preceding poll committed still takes effect before the intent.
func (c *Controller) guard(fn func(*ledger.Tx) error) func(*ledger.Tx) error {
	return func(tx *ledger.Tx) error {
		fired, err := c.monitor.apply(tx)
		if err != nil {
			return err
		}
		err = fn(tx)
		if fired && errors.Is(err, ledger.ErrNoChange) {
			return nil
		}
		return err
	}
}

func (c *Controller) settle(ctx context.Context, s *session.Session) (*session.Session, error) {
	if !s.Settling() || s.Dispute.Open() {
		return s, nil
	}
	settled, err := c.payout.Settle(ctx, c.ledger, s.ID)
	if err != nil {
		c.report(s.ID, "settle", err)
		return nil, err
	}
	return settled, nil
}

func (c *Controller) report(id, op string, err error) {
	switch session.KindOf(err) {
	case session.KindIntegrity, session.KindRecovery:
		c.notifier.Alert(id, err)
	case session.KindValidation, session.KindState:
		c.logger.Debug("Rejected intent", "session", id, "op", op, "code", session.CodeOf(err))
	default:
		c.logger.Error("Intent failed", "session", id, "op", op, "error", err)
	}
}

// Create opens a lobby staked by its creator.
func (c *Controller) Create(ctx context.Context, creator session.Identity, stake session.Amount, maxParticipants int) (*session.Session, error) {
	return c.ledger.Create(ctx, creator, stake, maxParticipants)
}

// Poll applies any due timeouts and drives a staged settlement forward.
func (c *Controller) Poll(ctx context.Context, id string) (*session.Session, error) {
	s, err := c.ledger.Update(ctx, id, c.monitor.Apply)
	if err != nil {
		c.report(id, "poll", err)
		return nil, err
	}
	return c.settle(ctx, s)
}

// Sweep polls every resident non-terminal session and evicts expired
// terminal ones. It returns the number of sessions polled.
func (c *Controller) Sweep(ctx context.Context) int {
	polled := 0
	for _, s := range c.ledger.List() {
		if s.State.Terminal() {
			continue
		}
		if ctx.Err() != nil {
			break
		}
		if _, err := c.Poll(ctx, s.ID); err != nil {
			c.logger.Debug("Sweep poll failed", "session", s.ID, "error", err)
		}
		polled++
	}
	c.ledger.Evict(c.ledger.Now())
	return polled
}

// Join stakes who into a lobby. Filling the last seat commits roles.
func (c *Controller) Join(ctx context.Context, id string, who session.Identity, stake session.Amount) (*session.Session, error) {
	return c.do(ctx, id, "join", func(tx *ledger.Tx) error {
		if err := tx.Join(who, stake); err != nil {
			return err
		}
		if tx.Session().Full() {
			return c.machine.commitRoles(tx)
		}
		return nil
	})
}

// Leave refunds who and removes them from a lobby. The last member
// leaving cancels the session.
func (c *Controller) Leave(ctx context.Context, id string, who session.Identity) (*session.Session, error) {
	return c.do(ctx, id, "leave", func(tx *ledger.Tx) error {
		s := tx.Session()
		if s.State != session.Lobby || s.Settling() {
			return session.ErrWrongState.With("state", s.State, "required", session.Lobby)
		}
		if !s.IsParticipant(who) {
			return session.ErrNotParticipant.With("identity", who)
		}
		if len(s.Participants) == 1 {
			return c.machine.refundAll(tx, ReasonAbandoned, session.Cancelled)
		}

		key := fmt.Sprintf("%s/leave/%d", s.ID, s.Version+1)
		if err := c.payout.Refund(tx.Context(), key, who, s.Stake); err != nil {
			return err
		}
		if err := tx.Remove(who); err != nil {
			return err
		}
		tx.Emit(session.RefundedEvent{Participant: who, Amount: s.Stake, Reason: "left"})
		if who == s.Creator {
			s.Creator = s.Participants[0].Identity
			tx.Emit(session.HostChangedEvent{Previous: who, Creator: s.Creator, Reason: "creator_left"})
		}
		return nil
	})
}

// Start commits roles early once the minimum roster is met. Only the
// creator may start.
func (c *Controller) Start(ctx context.Context, id string, caller session.Identity) (*session.Session, error) {
	return c.do(ctx, id, "start", func(tx *ledger.Tx) error {
		s := tx.Session()
		if s.State != session.Lobby || s.Settling() {
			return session.ErrInvalidTransition.With("state", s.State, "required", session.Lobby)
		}
		if caller != s.Creator {
			return session.ErrNotCreator.With("caller", caller, "creator", s.Creator)
		}
		tx.Touch(caller)
		return c.machine.commitRoles(tx)
	})
}

// Cancel refunds every stake and closes a lobby. Only the creator may
// cancel.
func (c *Controller) Cancel(ctx context.Context, id string, caller session.Identity) (*session.Session, error) {
	return c.do(ctx, id, "cancel", func(tx *ledger.Tx) error {
		s := tx.Session()
		if s.State != session.Lobby || s.Settling() {
			return session.ErrInvalidTransition.With("state", s.State, "required", session.Lobby)
		}
		if caller != s.Creator {
			return session.ErrNotCreator.With("caller", caller, "creator", s.Creator)
		}
		return c.machine.refundAll(tx, ReasonCreatorCancelled, session.Cancelled)
	})
}

// Reveal publishes and verifies the role opening. Polling a committed
// session reveals it too; Reveal is for callers that want it now.
func (c *Controller) Reveal(ctx context.Context, id string) (*session.Session, error) {
	return c.do(ctx, id, "reveal", c.machine.reveal)
}

// OpenDiscussion ends the role-viewing grace period early.
func (c *Controller) OpenDiscussion(ctx context.Context, id string, caller session.Identity) (*session.Session, error) {
	return c.do(ctx, id, "open_discussion", func(tx *ledger.Tx) error {
		s := tx.Session()
		if err := requireLive(s, caller); err != nil {
			return err
		}
		if s.Settling() {
			return session.ErrWrongPhase.With("state", s.State, "reason", "settling")
		}
		if s.State != session.RoleRevealed {
			return session.ErrInvalidTransition.With("state", s.State, "required", session.RoleRevealed)
		}
		tx.Touch(caller)
		c.machine.openDiscussion(tx)
		return nil
	})
}

// CallVote moves a discussion to voting.
func (c *Controller) CallVote(ctx context.Context, id string, caller session.Identity) (*session.Session, error) {
	return c.do(ctx, id, "call_vote", func(tx *ledger.Tx) error {
		s := tx.Session()
		if err := requireLive(s, caller); err != nil {
			return err
		}
		if s.Settling() {
			return session.ErrWrongPhase.With("state", s.State, "reason", "settling")
		}
		if s.State != session.Discussion {
			return session.ErrInvalidTransition.With("state", s.State, "required", session.Discussion)
		}
		tx.Touch(caller)
		c.machine.openVoting(tx, caller)
		return nil
	})
}

// SubmitBallot records one vote. The last outstanding ballot tallies the
// round.
func (c *Controller) SubmitBallot(ctx context.Context, id string, voter session.Identity, round int, target session.Identity) (*session.Session, error) {
	return c.do(ctx, id, "submit_ballot", func(tx *ledger.Tx) error {
		s := tx.Session()
		if err := votes.Record(s, round, voter, target, tx.Now()); err != nil {
			return err
		}
		tx.Touch(voter)
		tx.Emit(session.BallotCastEvent{Round: round, Voter: voter, Target: target})
		if s.AllVoted() {
			return c.machine.tally(tx)
		}
		return nil
	})
}

// Tally resolves a voting round once its deadline has passed or every live
// participant has voted. Tallying a round that is already resolved is a
// no-op.
func (c *Controller) Tally(ctx context.Context, id string, round int) (*session.Session, error) {
	return c.do(ctx, id, "tally", func(tx *ledger.Tx) error {
		s := tx.Session()
		if s.State.Terminal() || s.Settlement != nil || round < s.Round {
			return ledger.ErrNoChange
		}
		if s.State != session.Voting || round != s.Round {
			return session.ErrInvalidTransition.With("state", s.State, "round", round, "current_round", s.Round)
		}
		if !deadlinePassed(s, tx.Now()) && !s.AllVoted() {
			return session.ErrInvalidTransition.With("reason", "voting still open", "deadline", s.Deadline)
		}
		return c.machine.tally(tx)
	})
}

// Defect ends the game with the whole pot paid to the verified defector.
func (c *Controller) Defect(ctx context.Context, id string, caller session.Identity) (*session.Session, error) {
	return c.do(ctx, id, "defect", func(tx *ledger.Tx) error {
		s := tx.Session()
		if s.Settling() {
			return session.ErrWrongPhase.With("state", s.State, "reason", "settling")
		}
		switch s.State {
		case session.RoleRevealed, session.Discussion, session.Voting:
		default:
			return session.ErrInvalidTransition.With("state", s.State, "reason", "no game in progress")
		}
		p, ok := s.Participant(caller)
		if !ok || caller != s.Defector || !p.Live() {
			return session.ErrNotDefector.With("caller", caller)
		}
		plan, err := payout.DefectorTakesAll(s, session.OutcomeDefected, ReasonDefected)
		if err != nil {
			return err
		}
		c.logger.Info("Defector defected", "session", s.ID, "pot", s.Pot)
		return c.payout.Stage(tx, plan)
	})
}

// Payout settles the session's decided outcome. Once the session is
// terminal it returns AlreadyPaid.
func (c *Controller) Payout(ctx context.Context, id string) (*session.Session, error) {
	return c.do(ctx, id, "payout", func(tx *ledger.Tx) error {
		s := tx.Session()
		switch {
		case s.State.Terminal():
			return session.ErrAlreadyPaid.With("state", s.State)
		case s.Dispute.Open():
			return session.ErrPayoutFrozen.With("disputed_by", s.Dispute.By)
		case s.Settlement == nil:
			return session.ErrInvalidTransition.With("state", s.State, "reason", "no outcome decided")
		}
		return ledger.ErrNoChange
	})
}

// Refund returns every stake. It applies to lobbies and to disputed
// sessions; everywhere else the outcome is decided by play.
func (c *Controller) Refund(ctx context.Context, id string) (*session.Session, error) {
	return c.do(ctx, id, "refund", func(tx *ledger.Tx) error {
		s := tx.Session()
		switch {
		case s.State.Terminal():
			return session.ErrAlreadyPaid.With("state", s.State)
		case s.State == session.Lobby && !s.Settling():
			return c.machine.refundAll(tx, ReasonAbandoned, session.Cancelled)
		case s.Dispute.Open():
			return c.machine.resolveRefund(tx, ReasonDisputeRefund)
		}
		return session.ErrInvalidTransition.With("state", s.State, "reason", "refund only applies to lobbies and disputes")
	})
}

// Dispute flags a session for review and freezes its payout. Disputing a
// session that has already ended within the dispute window cannot be
// resolved by the core and is handed to the Notifier.
func (c *Controller) Dispute(ctx context.Context, id string, caller session.Identity, reason string) (*session.Session, error) {
	return c.do(ctx, id, "dispute", func(tx *ledger.Tx) error {
		s := tx.Session()
		if !s.IsParticipant(caller) {
			return session.ErrNotParticipant.With("identity", caller)
		}
		now := tx.Now()
		if s.State.Terminal() {
			if s.State == session.Ended && now.Sub(s.EndedAt) <= c.machine.rules.DisputeWindow {
				return session.ErrDisputeUnresolvable.With("state", s.State, "by", caller, "reason", reason)
			}
			return session.ErrWrongState.With("state", s.State, "reason", "dispute window closed")
		}
		if s.State == session.Lobby || s.Dispute != nil {
			return session.ErrWrongState.With("state", s.State, "reason", "not disputable")
		}

		deadline := now.Add(c.machine.rules.DisputeTimeout)
		s.Dispute = &session.Dispute{By: caller, Reason: reason, At: now, From: s.State, Deadline: deadline}
		tx.Emit(session.DisputedEvent{By: caller, Reason: reason, From: s.State, Deadline: deadline})
		tx.Enter(session.Disputed, deadline)
		c.logger.Warn("Session disputed", "session", s.ID, "by", caller, "reason", reason)
		return nil
	})
}

// ResolveDispute settles a disputed session either way.
func (c *Controller) ResolveDispute(ctx context.Context, id string, r Resolution) (*session.Session, error) {
	return c.do(ctx, id, "resolve_dispute", func(tx *ledger.Tx) error {
		s := tx.Session()
		if !s.Dispute.Open() {
			return session.ErrWrongState.With("state", s.State, "required", session.Disputed)
		}
		if r == RefundAll {
			return c.machine.resolveRefund(tx, ReasonDisputeRefund)
		}
		return c.machine.resolveUphold(tx, r.String())
	})
}

// Disconnect marks who as gone. A game left with fewer than two present
// participants ends with refund-all.
func (c *Controller) Disconnect(ctx context.Context, id string, who session.Identity) (*session.Session, error) {
	return c.do(ctx, id, "disconnect", func(tx *ledger.Tx) error {
		p, ok := tx.Session().Participant(who)
		if !ok {
			return session.ErrNotParticipant.With("identity", who)
		}
		if p.Disconnected || tx.Session().State.Terminal() {
			return ledger.ErrNoChange
		}
		p.Disconnected = true
		tx.Changed()
		return c.monitor.Apply(tx)
	})
}

// Touch records activity from who, reconnecting them if needed.
func (c *Controller) Touch(ctx context.Context, id string, who session.Identity) (*session.Session, error) {
	return c.do(ctx, id, "touch", func(tx *ledger.Tx) error {
		if !tx.Session().IsParticipant(who) {
			return session.ErrNotParticipant.With("identity", who)
		}
		if tx.Session().State.Terminal() {
			return ledger.ErrNoChange
		}
		tx.Touch(who)
		return nil
	})
}

// View returns the session as viewer may see it.
func (c *Controller) View(id string, viewer session.Identity) (*session.Session, error) {
	s, err := c.ledger.Get(id)
	if err != nil {
		return nil, err
	}
	return s.ViewFor(viewer), nil
}

func requireLive(s *session.Session, who session.Identity) error {
	p, ok := s.Participant(who)
	if !ok {
		return session.ErrNotParticipant.With("identity", who)
	}
	if !p.Live() {
		return session.ErrIneligibleVoter.With("identity", who, "reason", "eliminated")
	}
	return nil
}
