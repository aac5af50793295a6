// Package audit exports a session with its full event log and checks an
// export for consistency, including the role commitment.
package audit

import (
	"errors"
	"fmt"
	"io"
	"os"
	"reflect"
	"time"

	"github.com/lox/sus/internal/codec"
	"github.com/lox/sus/internal/fileutil"
	"github.com/lox/sus/internal/roles"
	"github.com/lox/sus/internal/session"
)

// FormatVersion is bumped whenever the export layout changes.
const FormatVersion = 1

// Export is a self-contained record of one session.
type Export struct {
	Version    int              `json:"version"`
	ExportedAt time.Time        `json:"exported_at"`
	Session    *session.Session `json:"session"`
	Events     []Entry          `json:"events"`
}

// Entry is one event with its payload kept encoded.
type Entry struct {
	Seq     uint64            `json:"seq"`
	Type    session.EventType `json:"type"`
	At      time.Time         `json:"at"`
	Payload codec.RawMessage  `json:"payload"`
}

// Build assembles an export from a session and its events.
func Build(s *session.Session, events []session.Envelope, now time.Time) (*Export, error) {
	e := &Export{
		Version:    FormatVersion,
		ExportedAt: now.UTC(),
		Session:    s,
		Events:     make([]Entry, 0, len(events)),
	}
	for _, env := range events {
		payload, err := codec.Marshal(env.Event)
		if err != nil {
			return nil, fmt.Errorf("encode event %d: %w", env.Seq, err)
		}
		e.Events = append(e.Events, Entry{Seq: env.Seq, Type: env.Type, At: env.At, Payload: payload})
	}
	return e, nil
}

// Envelopes decodes the event log.
func (e *Export) Envelopes() ([]session.Envelope, error) {
	out := make([]session.Envelope, 0, len(e.Events))
	for _, entry := range e.Events {
		ptr, err := session.NewEvent(entry.Type)
		if err != nil {
			return nil, fmt.Errorf("event %d: %w", entry.Seq, err)
		}
		if err := codec.Unmarshal(entry.Payload, ptr); err != nil {
			return nil, fmt.Errorf("decode event %d: %w", entry.Seq, err)
		}
		out = append(out, session.Envelope{
			Seq:       entry.Seq,
			SessionID: e.Session.ID,
			Type:      entry.Type,
			At:        entry.At,
			Event:     reflect.ValueOf(ptr).Elem().Interface().(session.Event),
		})
	}
	return out, nil
}

// Write stores the export at filename atomically.
func Write(filename string, e *Export) error {
	data, err := codec.Marshal(e)
	if err != nil {
		return fmt.Errorf("encode export: %w", err)
	}
	return fileutil.WriteAtomic(filename, 0o600, func(w io.Writer) error {
		_, err := w.Write(data)
		return err
	})
}

// Read loads an export written by Write.
func Read(filename string) (*Export, error) {
	data, err := os.ReadFile(filename)
	if err != nil {
		return nil, err
	}
	var e Export
	if err := codec.Unmarshal(data, &e); err != nil {
		return nil, fmt.Errorf("decode %s: %w", filename, err)
	}
	if e.Session == nil {
		return nil, fmt.Errorf("%s: export has no session", filename)
	}
	return &e, nil
}

// Verify checks an export and returns every problem found, joined.
func Verify(e *Export) error {
	var problems []error
	fail := func(format string, args ...any) {
		problems = append(problems, fmt.Errorf(format, args...))
	}

	if e.Version != FormatVersion {
		fail("unsupported export version %d", e.Version)
	}
	s := e.Session
	if err := s.CheckInvariants(); err != nil {
		fail("session invariants: %w", err)
	}

	events, err := e.Envelopes()
	if err != nil {
		return errors.Join(append(problems, err)...)
	}

	var (
		joins    int
		refunded session.Amount
		revealed *session.RoleRevealedEvent
	)
	for i, env := range events {
		if env.Seq != uint64(i+1) {
			fail("event %d has sequence %d", i+1, env.Seq)
		}
		switch ev := env.Event.(type) {
		case session.JoinedEvent:
			joins++
		case session.LeftEvent:
			refunded += ev.Refund
		case session.RoleRevealedEvent:
			revealed = &ev
		}
	}

	if revealed != nil {
		opening := roles.Opening{Defector: revealed.Defector, Nonce: revealed.Nonce}
		if !roles.Verify(s.Commitment, opening) {
			fail("role opening does not match commitment %s", s.Commitment)
		}
		if revealed.Defector != s.Defector {
			fail("revealed defector %q differs from session defector %q", revealed.Defector, s.Defector)
		}
	}

	staked := s.Stake * session.Amount(joins)
	switch {
	case s.State.Terminal():
		if s.Pot != 0 {
			fail("terminal session holds %d", s.Pot)
		}
		if s.Settlement == nil {
			fail("terminal session has no settlement")
			break
		}
		if !s.Settlement.Settled() {
			fail("terminal session has unsettled transfers")
		}
		if paid := refunded + s.Settlement.Total(); paid != staked {
			fail("paid %d of %d staked", paid, staked)
		}
	default:
		if held := staked - refunded; held != s.Pot {
			fail("pot %d but %d is held", s.Pot, held)
		}
	}
	return errors.Join(problems...)
}
