package game

import (
	"context"
	"fmt"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/charmbracelet/log"
	"github.com/coder/quartz"
	"github.com/stretchr/testify/require"

	"github.com/lox/sus/internal/ledger"
	"github.com/lox/sus/internal/payout"
	"github.com/lox/sus/internal/randutil"
	"github.com/lox/sus/internal/roles"
	"github.com/lox/sus/internal/session"
)

func testLogger() *log.Logger {
	return log.NewWithOptions(io.Discard, log.Options{Level: log.ErrorLevel})
}

func testRules() Rules {
	return Rules{
		LobbyTimeout:     10 * time.Minute,
		HostInactivity:   5 * time.Minute,
		RevealWindow:     30 * time.Second,
		RoleViewDuration: 5 * time.Second,
		DiscussionPeriod: 2 * time.Minute,
		VotingPeriod:     30 * time.Second,
		DisputeWindow:    24 * time.Hour,
		DisputeTimeout:   time.Hour,
		MaxRounds:        5,
	}
}

type recordingNotifier struct {
	mu     sync.Mutex
	voting []int
	ended  []string
	alerts []error
}

func (n *recordingNotifier) VotingOpened(_ string, round int, _ time.Time) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.voting = append(n.voting, round)
}

func (n *recordingNotifier) SessionEnded(_ string, _ session.State, reason string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.ended = append(n.ended, reason)
}

func (n *recordingNotifier) Alert(_ string, err error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.alerts = append(n.alerts, err)
}

func (n *recordingNotifier) codes() []session.Code {
	n.mu.Lock()
	defer n.mu.Unlock()
	var out []session.Code
	for _, err := range n.alerts {
		out = append(out, session.CodeOf(err))
	}
	return out
}

type harness struct {
	ctx      context.Context
	clock    *quartz.Mock
	ledger   *ledger.Ledger
	bank     *payout.Bank
	assigner *roles.Assigner
	notifier *recordingNotifier
	c        *Controller
}

// newHarness builds a controller paying into an in-memory bank. wrap, if
// given, puts a transferer in front of the bank.
func newHarness(t *testing.T, rules Rules, wrap ...func(*payout.Bank) payout.Transferer) *harness {
	t.Helper()
	clock := quartz.NewMock(t)
	l := ledger.New(ledger.Options{
		Rules:  ledger.Rules{MinStake: 10, MaxStake: 1000, RetainFor: time.Hour},
		Clock:  clock,
		Logger: testLogger(),
	})
	h := &harness{
		ctx:      context.Background(),
		clock:    clock,
		ledger:   l,
		bank:     payout.NewBank(),
		assigner: roles.NewAssigner(randutil.NewReader(7), nil),
		notifier: &recordingNotifier{},
	}
	var funds payout.Transferer = h.bank
	for _, w := range wrap {
		funds = w(h.bank)
	}
	h.c = NewController(Options{
		Ledger:   l,
		Roles:    h.assigner,
		Funds:    funds,
		Rules:    rules,
		Notifier: h.notifier,
		Logger:   testLogger(),
	})
	return h
}

// lostReply lands every transfer in the bank but reports the first fail of
// them as failed, like a funds service whose response never arrived.
type lostReply struct {
	bank *payout.Bank
	mu   sync.Mutex
	fail int
}

func (f *lostReply) Transfer(ctx context.Context, t payout.Transfer) error {
	if err := f.bank.Transfer(ctx, t); err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail > 0 {
		f.fail--
		return payout.ErrUnavailable
	}
	return nil
}

func player(i int) session.Identity {
	return session.Identity(fmt.Sprintf("p%d", i))
}

// fill creates a session for n players with stake 100 and joins everyone,
// leaving it in RoleCommitted.
func (h *harness) fill(t *testing.T, n int) *session.Session {
	t.Helper()
	s, err := h.c.Create(h.ctx, player(0), 100, n)
	require.NoError(t, err)
	for i := 1; i < n; i++ {
		s, err = h.c.Join(h.ctx, s.ID, player(i), 100)
		require.NoError(t, err)
	}
	require.Equal(t, session.RoleCommitted, s.State)
	return s
}

// startGame fills a session and takes it to Discussion in round one.
func (h *harness) startGame(t *testing.T, n int) *session.Session {
	t.Helper()
	s := h.fill(t, n)
	_, err := h.c.Reveal(h.ctx, s.ID)
	require.NoError(t, err)
	s, err = h.c.OpenDiscussion(h.ctx, s.ID, player(0))
	require.NoError(t, err)
	require.Equal(t, session.Discussion, s.State)
	require.Equal(t, 1, s.Round)
	require.NotEmpty(t, s.Defector)
	return s
}

// crew returns the non-defector identities in join order.
func crew(s *session.Session) []session.Identity {
	var out []session.Identity
	for _, p := range s.Participants {
		if p.Identity != s.Defector {
			out = append(out, p.Identity)
		}
	}
	return out
}

// vote opens voting and casts ballots voter -> target in roster order.
func (h *harness) vote(t *testing.T, s *session.Session, ballots map[session.Identity]session.Identity) (*session.Session, error) {
	t.Helper()
	caller := crew(s)[0]
	for _, p := range s.Participants {
		if p.Live() {
			caller = p.Identity
			break
		}
	}
	s, err := h.c.CallVote(h.ctx, s.ID, caller)
	require.NoError(t, err)
	require.Equal(t, session.Voting, s.State)

	round := s.Round
	var last *session.Session
	for _, p := range s.Participants {
		target, ok := ballots[p.Identity]
		if !ok {
			continue
		}
		last, err = h.c.SubmitBallot(h.ctx, s.ID, p.Identity, round, target)
		if err != nil {
			return nil, err
		}
	}
	return last, nil
}

func (h *harness) events(t *testing.T, id string, typ session.EventType) []session.Envelope {
	t.Helper()
	all, err := h.ledger.Events(id, 0)
	require.NoError(t, err)
	var out []session.Envelope
	for _, env := range all {
		if env.Type == typ {
			out = append(out, env)
		}
	}
	return out
}
