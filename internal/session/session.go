// Package session holds the authoritative data model for a staked
// social-deduction session: the roster, the pot, the phase, the role
// commitment and the staged settlement. Values in this package are plain
// data; all mutation goes through the ledger.
package session

import (
	"fmt"
	"time"
)

// Identity is an opaque, authenticated caller identity. The core never
// interprets its format.
type Identity string

// Amount is a fixed-point quantity of funds in the smallest unit.
type Amount int64

// Capacity bounds for a session roster.
const (
	MinParticipants = 3
	MaxParticipants = 10
)

// State is a session lifecycle phase.
type State int

const (
	Lobby State = iota
	RoleCommitted
	RoleRevealed
	Discussion
	Voting
	Disputed
	Ended
	Cancelled
)

func (s State) String() string {
	switch s {
	case Lobby:
		return "lobby"
	case RoleCommitted:
		return "role_committed"
	case RoleRevealed:
		return "role_revealed"
	case Discussion:
		return "discussion"
	case Voting:
		return "voting"
	case Disputed:
		return "disputed"
	case Ended:
		return "ended"
	case Cancelled:
		return "cancelled"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Terminal reports whether the session can no longer change.
func (s State) Terminal() bool {
	return s == Ended || s == Cancelled
}

// Active reports whether a game is in progress (roles committed, not yet
// terminal or disputed).
func (s State) Active() bool {
	switch s {
	case RoleCommitted, RoleRevealed, Discussion, Voting:
		return true
	}
	return false
}

// MarshalText implements encoding.TextMarshaler.
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (s *State) UnmarshalText(text []byte) error {
	for candidate := Lobby; candidate <= Cancelled; candidate++ {
		if candidate.String() == string(text) {
			*s = candidate
			return nil
		}
	}
	return fmt.Errorf("unknown session state %q", string(text))
}

// Role is the hidden role held by a participant once revealed.
type Role int

const (
	RoleUnknown Role = iota
	RoleCrew
	RoleDefector
)

func (r Role) String() string {
	switch r {
	case RoleCrew:
		return "crew"
	case RoleDefector:
		return "defector"
	default:
		return "unknown"
	}
}

// Participant is one staked member of a session.
type Participant struct {
	Identity     Identity  `json:"identity"`
	JoinedAt     time.Time `json:"joined_at"`
	Eliminated   bool      `json:"eliminated"`
	Voted        bool      `json:"voted"`
	Role         Role      `json:"role"`
	LastSeen     time.Time `json:"last_seen"`
	Disconnected bool      `json:"disconnected"`
}

// Live reports whether the participant can still vote and be voted for.
func (p Participant) Live() bool {
	return !p.Eliminated
}

// Present reports whether the participant is live and connected.
func (p Participant) Present() bool {
	return !p.Eliminated && !p.Disconnected
}

// Ballot is a single elimination vote.
type Ballot struct {
	Round  int       `json:"round"`
	Voter  Identity  `json:"voter"`
	Target Identity  `json:"target"`
	CastAt time.Time `json:"cast_at"`
}

// Commitment is the published digest binding the defector selection.
type Commitment [32]byte

// IsZero reports whether no commitment has been recorded.
func (c Commitment) IsZero() bool {
	return c == Commitment{}
}

func (c Commitment) String() string {
	return fmt.Sprintf("%x", c[:])
}

// Outcome describes how a session's funds are to be distributed.
type Outcome int

const (
	OutcomeNone Outcome = iota
	// OutcomeCrewWin splits the pot among surviving crew.
	OutcomeCrewWin
	// OutcomeDefected pays the whole pot to a defector who defected.
	OutcomeDefected
	// OutcomeDefectorWin pays the whole pot to a defector left without crew.
	OutcomeDefectorWin
	// OutcomeRefund returns each participant exactly one stake.
	OutcomeRefund
)

func (o Outcome) String() string {
	switch o {
	case OutcomeCrewWin:
		return "crew_win"
	case OutcomeDefected:
		return "defected"
	case OutcomeDefectorWin:
		return "defector_win"
	case OutcomeRefund:
		return "refund"
	default:
		return "none"
	}
}

// Transfer is a single staged movement of funds out of the pot.
type Transfer struct {
	Seq       int      `json:"seq"`
	Key       string   `json:"key"`
	Recipient Identity `json:"recipient"`
	Amount    Amount   `json:"amount"`
	// Attempted is committed before the transfer is handed to the funds
	// collaborator, so a lost reply still counts as possibly paid.
	Attempted bool `json:"attempted"`
	Settled   bool `json:"settled"`
}

// Settlement is the one-and-only transfer plan a session ever executes.
type Settlement struct {
	Outcome   Outcome    `json:"outcome"`
	Reason    string     `json:"reason"`
	Pot       Amount     `json:"pot"`
	Transfers []Transfer `json:"transfers"`
	// Terminal is the state entered once every transfer has settled.
	Terminal State `json:"terminal"`
	// Generation counts the plans staged on the session. Transfer keys
	// include it, so a replacement plan never reuses a key.
	Generation int `json:"generation"`
}

// Settled reports whether every transfer in the plan has been issued.
func (s *Settlement) Settled() bool {
	for _, t := range s.Transfers {
		if !t.Settled {
			return false
		}
	}
	return true
}

// Attempted reports whether any transfer of the plan has been handed to
// the funds collaborator. An attempted plan can no longer be replaced.
func (s *Settlement) Attempted() bool {
	for _, t := range s.Transfers {
		if t.Attempted || t.Settled {
			return true
		}
	}
	return false
}

// Paid returns the sum of settled transfers.
func (s *Settlement) Paid() Amount {
	var total Amount
	for _, t := range s.Transfers {
		if t.Settled {
			total += t.Amount
		}
	}
	return total
}

// Total returns the sum of all planned transfers.
func (s *Settlement) Total() Amount {
	var total Amount
	for _, t := range s.Transfers {
		total += t.Amount
	}
	return total
}

// Dispute records a participant's challenge to a session.
type Dispute struct {
	By     Identity  `json:"by"`
	Reason string    `json:"reason"`
	At     time.Time `json:"at"`
	From   State     `json:"from"`
	// Deadline is when an unresolved dispute falls back to refund-all.
	Deadline   time.Time `json:"deadline"`
	Resolution string    `json:"resolution,omitempty"`
	ResolvedAt time.Time `json:"resolved_at"`
}

// Open reports whether the dispute is still awaiting resolution.
func (d *Dispute) Open() bool {
	return d != nil && d.ResolvedAt.IsZero()
}

// Session is one staked game from creation to a terminal state.
type Session struct {
	ID              string        `json:"id"`
	Code            string        `json:"code"`
	Creator         Identity      `json:"creator"`
	Stake           Amount        `json:"stake"`
	MaxParticipants int           `json:"max_participants"`
	Participants    []Participant `json:"participants"`
	Pot             Amount        `json:"pot"`
	State           State         `json:"state"`
	Round           int           `json:"round"`
	Commitment      Commitment    `json:"commitment"`
	Defector        Identity      `json:"defector,omitempty"`
	Ballots         []Ballot      `json:"ballots,omitempty"`
	Deadline        time.Time     `json:"deadline"`
	Settlement      *Settlement   `json:"settlement,omitempty"`
	Dispute         *Dispute      `json:"dispute,omitempty"`
	CreatedAt       time.Time     `json:"created_at"`
	PhaseStartedAt  time.Time     `json:"phase_started_at"`
	EndedAt         time.Time     `json:"ended_at"`
	Version         uint64        `json:"version"`
}

// Clone returns a deep copy safe to mutate independently.
func (s *Session) Clone() *Session {
	if s == nil {
		return nil
	}
	c := *s
	c.Participants = append([]Participant(nil), s.Participants...)
	c.Ballots = append([]Ballot(nil), s.Ballots...)
	if s.Settlement != nil {
		settlement := *s.Settlement
		settlement.Transfers = append([]Transfer(nil), s.Settlement.Transfers...)
		c.Settlement = &settlement
	}
	if s.Dispute != nil {
		dispute := *s.Dispute
		c.Dispute = &dispute
	}
	return &c
}

// Index returns the roster position of id, or -1.
func (s *Session) Index(id Identity) int {
	for i := range s.Participants {
		if s.Participants[i].Identity == id {
			return i
		}
	}
	return -1
}

// Participant returns a pointer into the roster for id.
func (s *Session) Participant(id Identity) (*Participant, bool) {
	i := s.Index(id)
	if i < 0 {
		return nil, false
	}
	return &s.Participants[i], true
}

// IsParticipant reports whether id is on the roster.
func (s *Session) IsParticipant(id Identity) bool {
	return s.Index(id) >= 0
}

// Full reports whether the roster has reached capacity.
func (s *Session) Full() bool {
	return len(s.Participants) >= s.MaxParticipants
}

// AliveCount counts participants who have not been eliminated.
func (s *Session) AliveCount() int {
	n := 0
	for _, p := range s.Participants {
		if p.Live() {
			n++
		}
	}
	return n
}

// PresentCount counts participants who are alive and connected.
func (s *Session) PresentCount() int {
	n := 0
	for _, p := range s.Participants {
		if p.Present() {
			n++
		}
	}
	return n
}

// AliveCrew returns the surviving crew in join order.
func (s *Session) AliveCrew() []Identity {
	var crew []Identity
	for _, p := range s.Participants {
		if p.Live() && p.Identity != s.Defector {
			crew = append(crew, p.Identity)
		}
	}
	return crew
}

// AllVoted reports whether every live participant has cast a ballot this
// round.
func (s *Session) AllVoted() bool {
	for _, p := range s.Participants {
		if p.Live() && !p.Voted {
			return false
		}
	}
	return true
}

// ExpectedPot is the stake multiplied by the roster size.
func (s *Session) ExpectedPot() Amount {
	return s.Stake * Amount(len(s.Participants))
}

// Settling reports whether an outcome has been decided and transfers are
// staged but not yet fully issued.
func (s *Session) Settling() bool {
	return s.Settlement != nil && !s.State.Terminal()
}

// ViewFor returns a copy of the session with hidden information removed for
// the given viewer. Roles stay hidden from everyone but their holder until
// the session is terminal.
func (s *Session) ViewFor(viewer Identity) *Session {
	v := s.Clone()
	if v.State.Terminal() {
		return v
	}
	if viewer != v.Defector {
		v.Defector = ""
	}
	for i := range v.Participants {
		if v.Participants[i].Identity != viewer {
			v.Participants[i].Role = RoleUnknown
		}
	}
	return v
}

// CheckInvariants verifies the money and role invariants that must hold in
// every reachable state.
func (s *Session) CheckInvariants() error {
	seen := make(map[Identity]struct{}, len(s.Participants))
	defectors := 0
	for _, p := range s.Participants {
		if _, dup := seen[p.Identity]; dup {
			return fmt.Errorf("duplicate participant %s", p.Identity)
		}
		seen[p.Identity] = struct{}{}
		if p.Role == RoleDefector {
			defectors++
		}
	}
	if defectors > 1 {
		return fmt.Errorf("%d defectors assigned", defectors)
	}
	if defectors == 1 && s.State < RoleRevealed {
		return fmt.Errorf("defector assigned before reveal (state %s)", s.State)
	}

	if s.State.Terminal() {
		if s.Pot != 0 {
			return fmt.Errorf("terminal session holds pot %d", s.Pot)
		}
		if s.Settlement != nil {
			if !s.Settlement.Settled() {
				return fmt.Errorf("terminal session has unsettled transfers")
			}
			if s.Settlement.Paid() != s.Settlement.Pot {
				return fmt.Errorf("paid %d of pot %d", s.Settlement.Paid(), s.Settlement.Pot)
			}
		}
		return nil
	}
	if s.Pot != s.ExpectedPot() {
		return fmt.Errorf("pot %d != stake %d x %d participants", s.Pot, s.Stake, len(s.Participants))
	}
	if s.Settlement != nil && s.Settlement.Total() != s.Pot {
		return fmt.Errorf("settlement plans %d of pot %d", s.Settlement.Total(), s.Pot)
	}
	return nil
}
