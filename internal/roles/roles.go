// Package roles selects the session's single defector with a commit-reveal
// protocol. The selection is fixed by a published commitment before anyone
// learns it, and any party can check the later opening against it.
package roles

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/binary"
	"fmt"
	"io"
	"slices"
	"sync"

	"github.com/zeebo/blake3"

	"github.com/lox/sus/internal/session"
)

// NonceSize is the length of the secret nonce in bytes.
const NonceSize = 32

// commitDomainKey separates role commitments from any other BLAKE3 keyed
// hash. Changing it invalidates every outstanding commitment.
var commitDomainKey = [32]byte{
	's', 'u', 's', '.', 'r', 'o', 'l', 'e', 's', '.', 'c', 'o', 'm', 'm', 'i', 't',
	0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0,
}

// Opening is the secret behind a commitment.
type Opening struct {
	Defector session.Identity `json:"defector"`
	Nonce    []byte           `json:"nonce"`
}

// Commit computes the commitment for an opening. The identity is length
// prefixed so no (identity, nonce) split of the same bytes can collide.
func Commit(o Opening) session.Commitment {
	h, err := blake3.NewKeyed(commitDomainKey[:])
	if err != nil {
		panic("roles: keyed hash initialization failed: " + err.Error())
	}
	var length [4]byte
	binary.BigEndian.PutUint32(length[:], uint32(len(o.Defector)))
	_, _ = h.Write(length[:])
	_, _ = h.Write([]byte(o.Defector))
	_, _ = h.Write(o.Nonce)

	var c session.Commitment
	copy(c[:], h.Sum(nil))
	return c
}

// Verify reports whether o opens c.
func Verify(c session.Commitment, o Opening) bool {
	if len(o.Nonce) != NonceSize {
		return false
	}
	got := Commit(o)
	return subtle.ConstantTimeCompare(got[:], c[:]) == 1
}

// Vault holds openings between commit and reveal. Openings never enter the
// ledger, so a ledger snapshot cannot leak the selection.
type Vault interface {
	Seal(sessionID string, o Opening) error
	Open(sessionID string) (Opening, error)
	Discard(sessionID string)
}

// MemoryVault is a process-local Vault. Openings are lost on restart, which
// lets the reveal timeout cancel and refund the affected sessions.
type MemoryVault struct {
	mu       sync.Mutex
	openings map[string]Opening
}

// NewMemoryVault returns an empty vault.
func NewMemoryVault() *MemoryVault {
	return &MemoryVault{openings: make(map[string]Opening)}
}

// Seal implements Vault.
func (v *MemoryVault) Seal(sessionID string, o Opening) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	if _, exists := v.openings[sessionID]; exists {
		return fmt.Errorf("opening already sealed for session %s", sessionID)
	}
	v.openings[sessionID] = Opening{Defector: o.Defector, Nonce: append([]byte(nil), o.Nonce...)}
	return nil
}

// Open implements Vault.
func (v *MemoryVault) Open(sessionID string) (Opening, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	o, ok := v.openings[sessionID]
	if !ok {
		return Opening{}, fmt.Errorf("no sealed opening for session %s", sessionID)
	}
	return Opening{Defector: o.Defector, Nonce: append([]byte(nil), o.Nonce...)}, nil
}

// Discard implements Vault.
func (v *MemoryVault) Discard(sessionID string) {
	v.mu.Lock()
	defer v.mu.Unlock()
	delete(v.openings, sessionID)
}

// Assigner draws the defector and nonce and seals the opening.
type Assigner struct {
	mu      sync.Mutex
	entropy io.Reader
	vault   Vault
}

// NewAssigner returns an assigner. A nil entropy source uses crypto/rand;
// a nil vault uses a MemoryVault.
func NewAssigner(entropy io.Reader, vault Vault) *Assigner {
	if entropy == nil {
		entropy = rand.Reader
	}
	if vault == nil {
		vault = NewMemoryVault()
	}
	return &Assigner{entropy: entropy, vault: vault}
}

// Commit selects one identity from the final roster, seals the opening and
// returns only its commitment. Calling Commit again for the same session
// returns the original commitment while its defector is still on the
// roster.
func (a *Assigner) Commit(sessionID string, roster []session.Identity) (session.Commitment, error) {
	if len(roster) == 0 {
		return session.Commitment{}, fmt.Errorf("cannot commit roles over an empty roster")
	}
	if existing, err := a.vault.Open(sessionID); err == nil {
		if slices.Contains(roster, existing.Defector) {
			return Commit(existing), nil
		}
		a.vault.Discard(sessionID)
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	index, err := a.uniform(len(roster))
	if err != nil {
		return session.Commitment{}, fmt.Errorf("select defector: %w", err)
	}
	nonce := make([]byte, NonceSize)
	if _, err := io.ReadFull(a.entropy, nonce); err != nil {
		return session.Commitment{}, fmt.Errorf("draw nonce: %w", err)
	}

	o := Opening{Defector: roster[index], Nonce: nonce}
	if err := a.vault.Seal(sessionID, o); err != nil {
		return session.Commitment{}, err
	}
	return Commit(o), nil
}

// Open returns the sealed opening for a session.
func (a *Assigner) Open(sessionID string) (Opening, error) {
	return a.vault.Open(sessionID)
}

// Forget drops a session's opening once it is no longer needed.
func (a *Assigner) Forget(sessionID string) {
	a.vault.Discard(sessionID)
}

// uniform returns an unbiased index in [0, n) by rejection sampling.
func (a *Assigner) uniform(n int) (int, error) {
	bound := uint64(n)
	limit := ^uint64(0) - (^uint64(0) % bound)
	var buf [8]byte
	for {
		if _, err := io.ReadFull(a.entropy, buf[:]); err != nil {
			return 0, err
		}
		v := binary.BigEndian.Uint64(buf[:])
		if v < limit {
			return int(v % bound), nil
		}
	}
}
