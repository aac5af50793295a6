// Package randutil derives reproducible random sources from a single seed,
// for simulations and tests that need to replay a run.
package randutil

import (
	"encoding/binary"
	"io"
	rand "math/rand/v2"
)

const (
	goldenRatio64 = 0x9e3779b97f4a7c15
)

// New returns a *rand.Rand seeded deterministically from the provided int64.
func New(seed int64) *rand.Rand {
	u := uint64(seed)
	return rand.New(rand.NewPCG(mix(u), mix(u+goldenRatio64)))
}

// NewReader returns a deterministic entropy stream for seed. It stands in
// for crypto/rand wherever a component accepts an io.Reader, so role
// selection and nonces can be replayed.
func NewReader(seed int64) io.Reader {
	var key [32]byte
	u := uint64(seed)
	for i := 0; i < 4; i++ {
		binary.LittleEndian.PutUint64(key[i*8:], mix(u+uint64(i)*goldenRatio64))
	}
	return rand.NewChaCha8(key)
}

func mix(x uint64) uint64 {
	x ^= x >> 30
	x *= 0xbf58476d1ce4e5b9
	x ^= x >> 27
	x *= 0x94d049bb133111eb
	x ^= x >> 31
	return x
}
