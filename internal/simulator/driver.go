package simulator

import (
	"context"
	"fmt"
	rand "math/rand/v2"

	"github.com/lox/sus/internal/game"
	"github.com/lox/sus/internal/session"
)

// driver plays one session by picking a plausible intent for its current
// state. Rejections are expected now and then and are only counted.
type driver struct {
	ctx        context.Context
	rng        *rand.Rand
	controller *game.Controller
	id         string
	stake      session.Amount
	capacity   int
	target     int
	result     Result
}

func (d *driver) act(s *session.Session) error {
	if s.Dispute.Open() {
		return d.resolve(s)
	}
	if s.Settling() {
		_, err := d.controller.Payout(d.ctx, d.id)
		return err
	}

	switch s.State {
	case session.Lobby:
		return d.lobby(s)
	case session.RoleCommitted:
		_, err := d.controller.Reveal(d.ctx, d.id)
		return err
	case session.RoleRevealed, session.Discussion, session.Voting:
		return d.play(s)
	}
	return fmt.Errorf("no intent for state %s", s.State)
}

func (d *driver) lobby(s *session.Session) error {
	var err error
	switch r := d.rng.Float64(); {
	case r < 0.02:
		_, err = d.controller.Cancel(d.ctx, d.id, s.Creator)
	case r < 0.08:
		who := s.Participants[d.rng.IntN(len(s.Participants))].Identity
		_, err = d.controller.Leave(d.ctx, d.id, who)
	case len(s.Participants) < d.target:
		_, err = d.controller.Join(d.ctx, d.id, d.newPlayer(s), d.stake)
		if err == nil {
			d.result.Joins++
		}
	default:
		_, err = d.controller.Start(d.ctx, d.id, s.Creator)
	}
	return err
}

func (d *driver) play(s *session.Session) error {
	live := liveParticipants(s)
	var err error
	switch r := d.rng.Float64(); {
	case r < 0.01:
		_, err = d.controller.Disconnect(d.ctx, d.id, pick(d.rng, live))
	case r < 0.02:
		d.result.Disputed = true
		_, err = d.controller.Dispute(d.ctx, d.id, pick(d.rng, live), "simulated dispute")
	case r < 0.06 && defectorLive(s):
		_, err = d.controller.Defect(d.ctx, d.id, s.Defector)
	case s.State == session.RoleRevealed:
		_, err = d.controller.OpenDiscussion(d.ctx, d.id, pick(d.rng, live))
	case s.State == session.Discussion:
		_, err = d.controller.CallVote(d.ctx, d.id, pick(d.rng, live))
	default:
		err = d.vote(s, live)
	}
	return err
}

// vote casts one outstanding ballot. Crew lean towards the defector so
// that all outcomes show up.
func (d *driver) vote(s *session.Session, live []session.Identity) error {
	var voter session.Identity
	for _, who := range live {
		if p, _ := s.Participant(who); !p.Voted {
			voter = who
			break
		}
	}
	if voter == "" {
		_, err := d.controller.Tally(d.ctx, d.id, s.Round)
		return err
	}

	target := s.Defector
	if voter == s.Defector || !defectorLive(s) || d.rng.Float64() < 0.5 {
		target = pick(d.rng, others(live, voter))
	}
	_, err := d.controller.SubmitBallot(d.ctx, d.id, voter, s.Round, target)
	return err
}

func (d *driver) resolve(s *session.Session) error {
	resolution := game.RefundAll
	if s.Settlement != nil && (s.Settlement.Attempted() || d.rng.Float64() < 0.5) {
		resolution = game.Uphold
	}
	_, err := d.controller.ResolveDispute(d.ctx, d.id, resolution)
	return err
}

// disputeEnded challenges a finished game, which must be handed off rather
// than change the settled session.
func (d *driver) disputeEnded(s *session.Session) {
	if s.State != session.Ended || len(s.Participants) == 0 {
		return
	}
	_, err := d.controller.Dispute(d.ctx, d.id, s.Participants[0].Identity, "late dispute")
	if session.KindOf(err) == session.KindRecovery {
		d.result.Unresolvable = true
	}
}

func (d *driver) newPlayer(s *session.Session) session.Identity {
	for {
		who := session.Identity(fmt.Sprintf("player-%02d", d.rng.IntN(playerPool)))
		if s == nil || !s.IsParticipant(who) {
			return who
		}
	}
}

func liveParticipants(s *session.Session) []session.Identity {
	var out []session.Identity
	for _, p := range s.Participants {
		if p.Live() {
			out = append(out, p.Identity)
		}
	}
	return out
}

func defectorLive(s *session.Session) bool {
	p, ok := s.Participant(s.Defector)
	return ok && p.Live()
}

func others(ids []session.Identity, not session.Identity) []session.Identity {
	out := make([]session.Identity, 0, len(ids))
	for _, id := range ids {
		if id != not {
			out = append(out, id)
		}
	}
	return out
}

func pick(rng *rand.Rand, ids []session.Identity) session.Identity {
	if len(ids) == 0 {
		return ""
	}
	return ids[rng.IntN(len(ids))]
}
