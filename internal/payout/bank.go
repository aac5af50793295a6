package payout

import (
	"context"
	"errors"
	"sort"
	"sync"

	"github.com/lox/sus/internal/session"
)

// ErrUnavailable is returned by a Bank told to fail.
var ErrUnavailable = errors.New("bank unavailable")

// Bank is an in-memory account book. Transfers are deduplicated by key.
type Bank struct {
	mu       sync.Mutex
	balances map[session.Identity]session.Amount
	issued   map[string]Transfer
	order    []string
	failNext int
}

// NewBank returns an empty account book.
func NewBank() *Bank {
	return &Bank{
		balances: make(map[session.Identity]session.Amount),
		issued:   make(map[string]Transfer),
	}
}

// Transfer implements Transferer.
func (b *Bank) Transfer(ctx context.Context, t Transfer) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.failNext > 0 {
		b.failNext--
		return ErrUnavailable
	}
	if _, dup := b.issued[t.Key]; dup {
		return nil
	}
	t.Settled = true
	b.issued[t.Key] = t
	b.order = append(b.order, t.Key)
	b.balances[t.Recipient] += t.Amount
	return nil
}

// FailNext makes the next n transfers fail with ErrUnavailable.
func (b *Bank) FailNext(n int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failNext = n
}

// Balance returns everything credited to who.
func (b *Bank) Balance(who session.Identity) session.Amount {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.balances[who]
}

// Total returns the sum of every credited transfer.
func (b *Bank) Total() session.Amount {
	b.mu.Lock()
	defer b.mu.Unlock()
	var total session.Amount
	for _, v := range b.balances {
		total += v
	}
	return total
}

// Transfers returns the credited transfers in the order they landed.
func (b *Bank) Transfers() []Transfer {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]Transfer, 0, len(b.order))
	for _, k := range b.order {
		out = append(out, b.issued[k])
	}
	return out
}

// Accounts lists every identity with a balance, sorted.
func (b *Bank) Accounts() []session.Identity {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]session.Identity, 0, len(b.balances))
	for who := range b.balances {
		out = append(out, who)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
