package session

import (
	"fmt"
	"time"
)

// EventType identifies a session event.
type EventType string

// Events emitted by successful ledger mutations.
const (
	EventTypeJoined        EventType = "joined"
	EventTypeLeft          EventType = "left"
	EventTypeHostChanged   EventType = "host_changed"
	EventTypeRoleCommitted EventType = "role_committed"
	EventTypeRoleRevealed  EventType = "role_revealed"
	EventTypeVotingOpened  EventType = "voting_opened"
	EventTypeBallotCast    EventType = "ballot_cast"
	EventTypeEliminated    EventType = "eliminated"
	EventTypeRoundAdvanced EventType = "round_advanced"
	EventTypeGameEnded     EventType = "game_ended"
	EventTypeRefunded      EventType = "refunded"
	EventTypeCancelled     EventType = "cancelled"
	EventTypeDisputed      EventType = "disputed"
)

func (et EventType) String() string {
	return string(et)
}

// Event is the payload of a session event.
type Event interface {
	EventType() EventType
}

// Envelope is an appended event with its position in the session's log.
type Envelope struct {
	Seq       uint64    `json:"seq"`
	SessionID string    `json:"session_id"`
	Type      EventType `json:"type"`
	At        time.Time `json:"at"`
	Event     Event     `json:"event"`
}

// JoinedEvent is emitted when a participant stakes into a lobby.
type JoinedEvent struct {
	Participant Identity `json:"participant"`
	Pot         Amount   `json:"pot"`
	Count       int      `json:"count"`
}

func (JoinedEvent) EventType() EventType { return EventTypeJoined }

// LeftEvent is emitted when a participant leaves a lobby with a refund.
type LeftEvent struct {
	Participant Identity `json:"participant"`
	Refund      Amount   `json:"refund"`
	Pot         Amount   `json:"pot"`
}

func (LeftEvent) EventType() EventType { return EventTypeLeft }

// HostChangedEvent is emitted when the creator role moves to another
// participant.
type HostChangedEvent struct {
	Previous Identity `json:"previous"`
	Creator  Identity `json:"creator"`
	Reason   string   `json:"reason"`
}

func (HostChangedEvent) EventType() EventType { return EventTypeHostChanged }

// RoleCommittedEvent publishes the role commitment over the final roster.
type RoleCommittedEvent struct {
	Commitment   Commitment `json:"commitment"`
	Participants []Identity `json:"participants"`
	RevealBy     time.Time  `json:"reveal_by"`
}

func (RoleCommittedEvent) EventType() EventType { return EventTypeRoleCommitted }

// RoleRevealedEvent carries the verified opening. Adapters must only deliver
// Defector to the defector themself until the session ends.
type RoleRevealedEvent struct {
	Defector Identity `json:"defector"`
	Nonce    []byte   `json:"nonce"`
}

func (RoleRevealedEvent) EventType() EventType { return EventTypeRoleRevealed }

// VotingOpenedEvent is emitted on entry into Voting.
type VotingOpenedEvent struct {
	Round    int       `json:"round"`
	CalledBy Identity  `json:"called_by,omitempty"`
	Deadline time.Time `json:"deadline"`
}

func (VotingOpenedEvent) EventType() EventType { return EventTypeVotingOpened }

// BallotCastEvent is emitted for every accepted ballot.
type BallotCastEvent struct {
	Round  int      `json:"round"`
	Voter  Identity `json:"voter"`
	Target Identity `json:"target"`
}

func (BallotCastEvent) EventType() EventType { return EventTypeBallotCast }

// EliminatedEvent is emitted when a tally removes a participant.
type EliminatedEvent struct {
	Round       int      `json:"round"`
	Participant Identity `json:"participant"`
	Votes       int      `json:"votes"`
	Alive       int      `json:"alive"`
}

func (EliminatedEvent) EventType() EventType { return EventTypeEliminated }

// RoundAdvancedEvent is emitted when a new discussion round opens.
type RoundAdvancedEvent struct {
	Round      int       `json:"round"`
	Eliminated Identity  `json:"eliminated,omitempty"`
	Deadline   time.Time `json:"deadline"`
}

func (RoundAdvancedEvent) EventType() EventType { return EventTypeRoundAdvanced }

// GameEndedEvent is emitted once an outcome has been fully paid out.
type GameEndedEvent struct {
	Outcome   Outcome    `json:"outcome"`
	Reason    string     `json:"reason"`
	Defector  Identity   `json:"defector,omitempty"`
	Pot       Amount     `json:"pot"`
	Transfers []Transfer `json:"transfers"`
}

func (GameEndedEvent) EventType() EventType { return EventTypeGameEnded }

// RefundedEvent is emitted for each refunded stake.
type RefundedEvent struct {
	Participant Identity `json:"participant"`
	Amount      Amount   `json:"amount"`
	Reason      string   `json:"reason"`
}

func (RefundedEvent) EventType() EventType { return EventTypeRefunded }

// CancelledEvent is emitted when a session is cancelled with refunds.
type CancelledEvent struct {
	Reason string `json:"reason"`
	Pot    Amount `json:"pot"`
}

func (CancelledEvent) EventType() EventType { return EventTypeCancelled }

// DisputedEvent is emitted when a participant flags a session.
type DisputedEvent struct {
	By       Identity  `json:"by"`
	Reason   string    `json:"reason"`
	From     State     `json:"from"`
	Deadline time.Time `json:"deadline"`
}

func (DisputedEvent) EventType() EventType { return EventTypeDisputed }

// NewEvent returns a zero payload for t, for decoders.
func NewEvent(t EventType) (Event, error) {
	switch t {
	case EventTypeJoined:
		return &JoinedEvent{}, nil
	case EventTypeLeft:
		return &LeftEvent{}, nil
	case EventTypeHostChanged:
		return &HostChangedEvent{}, nil
	case EventTypeRoleCommitted:
		return &RoleCommittedEvent{}, nil
	case EventTypeRoleRevealed:
		return &RoleRevealedEvent{}, nil
	case EventTypeVotingOpened:
		return &VotingOpenedEvent{}, nil
	case EventTypeBallotCast:
		return &BallotCastEvent{}, nil
	case EventTypeEliminated:
		return &EliminatedEvent{}, nil
	case EventTypeRoundAdvanced:
		return &RoundAdvancedEvent{}, nil
	case EventTypeGameEnded:
		return &GameEndedEvent{}, nil
	case EventTypeRefunded:
		return &RefundedEvent{}, nil
	case EventTypeCancelled:
		return &CancelledEvent{}, nil
	case EventTypeDisputed:
		return &DisputedEvent{}, nil
	}
	return nil, fmt.Errorf("unknown event type %q", t)
}
