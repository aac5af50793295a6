package session

import (
	"errors"
	"fmt"
	"sort"
	"strings"
)

// Kind groups rejection codes by how a caller is expected to recover.
type Kind int

const (
	// KindValidation rejects malformed input; fix the input and retry.
	KindValidation Kind = iota + 1
	// KindState rejects a request the current phase does not allow.
	KindState
	// KindIntegrity aborts a transition and is routed to the dispute path.
	KindIntegrity
	// KindRecovery needs external or manual resolution.
	KindRecovery
)

func (k Kind) String() string {
	switch k {
	case KindValidation:
		return "validation"
	case KindState:
		return "state"
	case KindIntegrity:
		return "integrity"
	case KindRecovery:
		return "recovery"
	default:
		return "unknown"
	}
}

// Code is a stable machine-readable rejection reason.
type Code string

const (
	CodeInvalidStake         Code = "invalid_stake"
	CodeInvalidCapacity      Code = "invalid_capacity"
	CodeStakeMismatch        Code = "stake_mismatch"
	CodeDuplicateParticipant Code = "duplicate_participant"
	CodeInvalidTarget        Code = "invalid_target"
	CodeIneligibleVoter      Code = "ineligible_voter"
	CodeNotParticipant       Code = "not_participant"
	CodeNotCreator           Code = "not_creator"
	CodeNotDefector          Code = "not_defector"
	CodeSessionNotFound      Code = "session_not_found"

	CodeWrongState        Code = "wrong_state"
	CodeWrongPhase        Code = "wrong_phase"
	CodeInvalidTransition Code = "invalid_transition"
	CodeAlreadyVoted      Code = "already_voted"
	CodeAlreadyPaid       Code = "already_paid"
	CodeSessionFull       Code = "session_full"
	CodePayoutFrozen      Code = "payout_frozen"

	CodeCommitmentMismatch Code = "commitment_mismatch"
	CodeTransferFailed     Code = "transfer_failed"

	CodeDisputeUnresolvable Code = "dispute_unresolvable"
)

// Error is a rejection with a stable code and detail a presentation layer
// can render as an actionable message.
type Error struct {
	Kind    Kind
	Code    Code
	Message string
	Detail  map[string]any
	cause   error
}

func (e *Error) Error() string {
	var b strings.Builder
	b.WriteString(string(e.Code))
	b.WriteString(": ")
	b.WriteString(e.Message)
	if len(e.Detail) > 0 {
		keys := make([]string, 0, len(e.Detail))
		for k := range e.Detail {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		b.WriteString(" (")
		for i, k := range keys {
			if i > 0 {
				b.WriteString(", ")
			}
			fmt.Fprintf(&b, "%s=%v", k, e.Detail[k])
		}
		b.WriteString(")")
	}
	if e.cause != nil {
		b.WriteString(": ")
		b.WriteString(e.cause.Error())
	}
	return b.String()
}

// Is matches any *Error with the same code, so callers can use
// errors.Is(err, session.ErrAlreadyPaid).
func (e *Error) Is(target error) bool {
	var t *Error
	if !errors.As(target, &t) {
		return false
	}
	return t.Code == e.Code
}

func (e *Error) Unwrap() error {
	return e.cause
}

// With returns a copy of e carrying additional key/value detail.
func (e *Error) With(kv ...any) *Error {
	c := *e
	c.Detail = make(map[string]any, len(e.Detail)+len(kv)/2)
	for k, v := range e.Detail {
		c.Detail[k] = v
	}
	for i := 0; i+1 < len(kv); i += 2 {
		c.Detail[fmt.Sprint(kv[i])] = kv[i+1]
	}
	return &c
}

// Wrap returns a copy of e caused by err.
func (e *Error) Wrap(err error) *Error {
	c := *e
	c.cause = err
	return &c
}

var (
	ErrInvalidStake         = &Error{Kind: KindValidation, Code: CodeInvalidStake, Message: "stake outside allowed bounds"}
	ErrInvalidCapacity      = &Error{Kind: KindValidation, Code: CodeInvalidCapacity, Message: "max participants outside allowed bounds"}
	ErrStakeMismatch        = &Error{Kind: KindValidation, Code: CodeStakeMismatch, Message: "supplied stake does not match the session stake"}
	ErrDuplicateParticipant = &Error{Kind: KindValidation, Code: CodeDuplicateParticipant, Message: "already joined this session"}
	ErrInvalidTarget        = &Error{Kind: KindValidation, Code: CodeInvalidTarget, Message: "ballot target is not a live opponent"}
	ErrIneligibleVoter      = &Error{Kind: KindValidation, Code: CodeIneligibleVoter, Message: "voter is not a live participant"}
	ErrNotParticipant       = &Error{Kind: KindValidation, Code: CodeNotParticipant, Message: "caller is not a participant"}
	ErrNotCreator           = &Error{Kind: KindValidation, Code: CodeNotCreator, Message: "only the creator may do this"}
	ErrNotDefector          = &Error{Kind: KindValidation, Code: CodeNotDefector, Message: "caller is not the live verified defector"}
	ErrSessionNotFound      = &Error{Kind: KindValidation, Code: CodeSessionNotFound, Message: "no such session"}

	ErrWrongState        = &Error{Kind: KindState, Code: CodeWrongState, Message: "session is not accepting this request"}
	ErrWrongPhase        = &Error{Kind: KindState, Code: CodeWrongPhase, Message: "not allowed in the current phase"}
	ErrInvalidTransition = &Error{Kind: KindState, Code: CodeInvalidTransition, Message: "transition guard not satisfied"}
	ErrAlreadyVoted      = &Error{Kind: KindState, Code: CodeAlreadyVoted, Message: "ballot already cast this round"}
	ErrAlreadyPaid       = &Error{Kind: KindState, Code: CodeAlreadyPaid, Message: "session already settled"}
	ErrSessionFull       = &Error{Kind: KindState, Code: CodeSessionFull, Message: "session is full"}
	ErrPayoutFrozen      = &Error{Kind: KindState, Code: CodePayoutFrozen, Message: "payout frozen pending dispute resolution"}

	ErrCommitmentMismatch = &Error{Kind: KindIntegrity, Code: CodeCommitmentMismatch, Message: "role opening does not match the commitment"}
	ErrTransferFailed     = &Error{Kind: KindIntegrity, Code: CodeTransferFailed, Message: "funds transfer failed; funds remain staged"}

	ErrDisputeUnresolvable = &Error{Kind: KindRecovery, Code: CodeDisputeUnresolvable, Message: "dispute requires manual resolution"}
)

// KindOf returns the kind of a session error, or zero for foreign errors.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return 0
}

// CodeOf returns the code of a session error, or "" for foreign errors.
func CodeOf(err error) Code {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return ""
}
