// Package simulator drives many randomized sessions through the controller
// and checks that every stake is accounted for.
package simulator

import (
	"context"
	"fmt"
	rand "math/rand/v2"
	"strings"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	"golang.org/x/sync/errgroup"

	"github.com/lox/sus/internal/game"
	"github.com/lox/sus/internal/ledger"
	"github.com/lox/sus/internal/payout"
	"github.com/lox/sus/internal/randutil"
	"github.com/lox/sus/internal/roles"
	"github.com/lox/sus/internal/session"
)

const (
	maxSteps    = 2000
	playerPool  = 32
	minRoster   = 3
	maxCapacity = 10
)

// Config holds configuration for running simulations
type Config struct {
	Sessions    int
	Workers     int
	Seed        int64
	Stake       session.Amount
	FailureRate float64 // probability that any single transfer fails
	Store       ledger.Store
	Logger      *log.Logger
}

// Result is the outcome of one simulated session.
type Result struct {
	SessionID    string
	Seed         int64
	Final        session.State
	Outcome      session.Outcome
	Reason       string
	Rounds       int
	Joins        int
	Staked       session.Amount
	Paid         session.Amount
	Steps        int
	Rejected     int
	Retries      int
	Disputed     bool
	Unresolvable bool
}

// Simulator runs randomized sessions against one shared controller.
type Simulator struct {
	config     Config
	bank       *payout.Bank
	funds      *flakyFunds
	controller *game.Controller
	logger     *log.Logger
}

// New creates a new simulator with the given configuration
func New(config Config) *Simulator {
	if config.Logger == nil {
		config.Logger = log.Default()
	}
	if config.Workers <= 0 {
		config.Workers = 1
	}
	if config.Stake <= 0 {
		config.Stake = 100
	}

	bank := payout.NewBank()
	funds := &flakyFunds{next: bank, rng: randutil.New(config.Seed ^ 0x5eed), rate: config.FailureRate}
	l := ledger.New(ledger.Options{
		Rules:  ledger.Rules{MinStake: 1, MaxStake: config.Stake, RetainFor: time.Hour},
		Store:  config.Store,
		Logger: config.Logger,
	})
	controller := game.NewController(game.Options{
		Ledger:   l,
		Roles:    roles.NewAssigner(randutil.NewReader(config.Seed), nil),
		Funds:    funds,
		Rules:    game.DefaultRules(),
		Notifier: game.NewLogNotifier(config.Logger),
		Logger:   config.Logger,
	})
	return &Simulator{
		config:     config,
		bank:       bank,
		funds:      funds,
		controller: controller,
		logger:     config.Logger.WithPrefix("simulator"),
	}
}

// Bank returns the account book every simulated payout lands in.
func (s *Simulator) Bank() *payout.Bank {
	return s.bank
}

// Run executes the simulation and returns aggregate statistics. It fails on
// the first session that does not terminate or does not balance.
func (s *Simulator) Run(ctx context.Context) (*Statistics, error) {
	start := time.Now()
	results := make([]Result, s.config.Sessions)

	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(s.config.Workers)
	for i := range s.config.Sessions {
		seed := s.config.Seed + int64(i)
		g.Go(func() error {
			r, err := s.runSession(ctx, seed)
			if err != nil {
				return fmt.Errorf("session %d (seed %d): %w", i+1, seed, err)
			}
			results[i] = r
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	stats := NewStatistics()
	for _, r := range results {
		stats.Add(r)
	}
	stats.Duration = time.Since(start)

	if err := stats.Validate(); err != nil {
		return nil, fmt.Errorf("statistics validation failed: %w", err)
	}
	if total := s.bank.Total(); total != stats.Staked {
		return nil, fmt.Errorf("bank holds %d but %d was staked", total, stats.Staked)
	}
	return stats, nil
}

func (s *Simulator) runSession(ctx context.Context, seed int64) (Result, error) {
	rng := randutil.New(seed)
	d := &driver{
		ctx:        ctx,
		rng:        rng,
		controller: s.controller,
		stake:      s.config.Stake,
		capacity:   minRoster + rng.IntN(maxCapacity-minRoster+1),
		result:     Result{Seed: seed},
	}
	d.target = minRoster + rng.IntN(d.capacity-minRoster+1)

	created, err := s.controller.Create(ctx, d.newPlayer(nil), d.stake, d.capacity)
	if err != nil {
		return d.result, fmt.Errorf("create: %w", err)
	}
	d.id = created.ID
	d.result.SessionID = created.ID
	d.result.Joins = 1

	var final *session.Session
	for step := range maxSteps {
		snap, err := s.controller.Ledger().Get(d.id)
		if err != nil {
			return d.result, err
		}
		if snap.State.Terminal() {
			final = snap
			d.result.Steps = step
			break
		}
		if err := d.act(snap); err != nil {
			switch session.KindOf(err) {
			case 0:
				return d.result, err
			case session.KindIntegrity:
				d.result.Retries++
			default:
				d.result.Rejected++
			}
		}
	}
	if final == nil {
		return d.result, fmt.Errorf("session %s did not finish after %d steps", d.id, maxSteps)
	}

	if rng.Float64() < 0.1 {
		d.disputeEnded(final)
	}
	return d.finish(final, s.bank)
}

// finish checks that the session balanced and fills in the result.
func (d *driver) finish(final *session.Session, bank *payout.Bank) (Result, error) {
	r := d.result
	r.Final = final.State
	r.Rounds = final.Round
	r.Staked = d.stake * session.Amount(r.Joins)
	if final.Settlement != nil {
		r.Outcome = final.Settlement.Outcome
		r.Reason = final.Settlement.Reason
	}
	prefix := final.ID + "/"
	for _, t := range bank.Transfers() {
		if strings.HasPrefix(t.Key, prefix) {
			r.Paid += t.Amount
		}
	}

	if err := final.CheckInvariants(); err != nil {
		return r, fmt.Errorf("invariants: %w", err)
	}
	if final.Pot != 0 {
		return r, fmt.Errorf("terminal session %s still holds %d", final.ID, final.Pot)
	}
	if r.Paid != r.Staked {
		return r, fmt.Errorf("session %s paid %d of %d staked", final.ID, r.Paid, r.Staked)
	}
	return r, nil
}

// flakyFunds fails a share of transfers so the retry path is exercised.
type flakyFunds struct {
	mu   sync.Mutex
	next payout.Transferer
	rng  *rand.Rand
	rate float64
}

func (f *flakyFunds) Transfer(ctx context.Context, t payout.Transfer) error {
	f.mu.Lock()
	fail := f.rate > 0 && f.rng.Float64() < f.rate
	f.mu.Unlock()
	if fail {
		return payout.ErrUnavailable
	}
	return f.next.Transfer(ctx, t)
}
