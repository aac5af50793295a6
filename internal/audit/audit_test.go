package audit

import (
	"context"
	"io"
	"path/filepath"
	"testing"
	"time"

	"github.com/charmbracelet/log"
	"github.com/coder/quartz"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lox/sus/internal/game"
	"github.com/lox/sus/internal/ledger"
	"github.com/lox/sus/internal/randutil"
	"github.com/lox/sus/internal/roles"
	"github.com/lox/sus/internal/session"
)

// playDefection runs a three player game that the defector ends.
func playDefection(t *testing.T) (*session.Session, []session.Envelope) {
	t.Helper()
	ctx := context.Background()
	logger := log.NewWithOptions(io.Discard, log.Options{Level: log.FatalLevel})
	l := ledger.New(ledger.Options{
		Rules:  ledger.Rules{MinStake: 1},
		Clock:  quartz.NewMock(t),
		Logger: logger,
	})
	c := game.NewController(game.Options{
		Ledger: l,
		Roles:  roles.NewAssigner(randutil.NewReader(5), nil),
		Rules:  game.DefaultRules(),
		Logger: logger,
	})

	s, err := c.Create(ctx, "alice", 100, 3)
	require.NoError(t, err)
	for _, who := range []session.Identity{"bob", "carol"} {
		_, err := c.Join(ctx, s.ID, who, 100)
		require.NoError(t, err)
	}
	revealed, err := c.Reveal(ctx, s.ID)
	require.NoError(t, err)
	ended, err := c.Defect(ctx, s.ID, revealed.Defector)
	require.NoError(t, err)
	require.Equal(t, session.Ended, ended.State)

	final, events, err := l.Audit(ctx, s.ID)
	require.NoError(t, err)
	return final, events
}

func TestExportRoundTripVerifies(t *testing.T) {
	s, events := playDefection(t)
	export, err := Build(s, events, time.Date(2026, 5, 1, 0, 0, 0, 0, time.UTC))
	require.NoError(t, err)

	path := filepath.Join(t.TempDir(), s.ID+".cbor")
	require.NoError(t, Write(path, export))

	loaded, err := Read(path)
	require.NoError(t, err)
	assert.Equal(t, FormatVersion, loaded.Version)
	assert.Equal(t, s.ID, loaded.Session.ID)
	require.Len(t, loaded.Events, len(events))
	require.NoError(t, Verify(loaded))

	decoded, err := loaded.Envelopes()
	require.NoError(t, err)
	last := decoded[len(decoded)-1]
	ended, ok := last.Event.(session.GameEndedEvent)
	require.True(t, ok)
	assert.Equal(t, session.OutcomeDefected, ended.Outcome)
	assert.Equal(t, s.Defector, ended.Defector)
}

func TestVerifyCatchesTampering(t *testing.T) {
	tests := []struct {
		name   string
		tamper func(e *Export)
		want   string
	}{
		{
			name:   "swapped defector",
			tamper: func(e *Export) { e.Session.Defector = otherThan(e.Session) },
			want:   "differs from session defector",
		},
		{
			name:   "forged commitment",
			tamper: func(e *Export) { e.Session.Commitment[0] ^= 0xff },
			want:   "does not match commitment",
		},
		{
			name:   "dropped event",
			tamper: func(e *Export) { e.Events = append(e.Events[:1:1], e.Events[2:]...) },
			want:   "sequence",
		},
		{
			name:   "wrong version",
			tamper: func(e *Export) { e.Version = 99 },
			want:   "unsupported export version",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s, events := playDefection(t)
			export, err := Build(s, events, time.Now())
			require.NoError(t, err)
			tt.tamper(export)

			err = Verify(export)
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestVerifyLiveLobby(t *testing.T) {
	at := time.Date(2026, 5, 1, 0, 0, 0, 0, time.UTC)
	s := &session.Session{
		ID: "s1", Code: "ABCDEF", Creator: "alice", Stake: 10, MaxParticipants: 4,
		Participants: []session.Participant{{Identity: "alice", JoinedAt: at}},
		Pot:          10, State: session.Lobby, CreatedAt: at, Version: 1,
	}
	events := []session.Envelope{{Seq: 1, SessionID: "s1", Type: session.EventTypeJoined, At: at,
		Event: session.JoinedEvent{Participant: "alice", Pot: 10, Count: 1}}}

	export, err := Build(s, events, at)
	require.NoError(t, err)
	require.NoError(t, Verify(export))

	export.Session.Pot = 20
	assert.ErrorContains(t, Verify(export), "pot 20")
}

func otherThan(s *session.Session) session.Identity {
	for _, p := range s.Participants {
		if p.Identity != s.Defector {
			return p.Identity
		}
	}
	return "nobody"
}
