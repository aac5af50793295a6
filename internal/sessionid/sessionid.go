// Package sessionid generates session identifiers: a 26-character,
// time-sortable base32 id (UUIDv7 encoded with Crockford's alphabet) and a
// short code players can share out of band.
package sessionid

import (
	"crypto/rand"
	"fmt"
	"math/big"
	"strings"

	"github.com/coder/quartz"
)

// Crockford's base32 alphabet (no i, l, o, u).
const alphabet = "0123456789abcdefghjkmnpqrstvwxyz"

// Shareable codes use an uppercase alphabet without easily confused glyphs.
const codeAlphabet = "23456789ABCDEFGHJKMNPQRSTVWXYZ"

// CodeLength is the number of characters in a shareable code.
const CodeLength = 6

// RandSource allows deterministic ids in tests.
type RandSource interface {
	Intn(n int) int
}

// Generator produces ids and codes.
type Generator struct {
	clock      quartz.Clock
	randSource RandSource
}

// NewGenerator creates a generator. A nil clock uses the real clock and a
// nil RandSource uses crypto/rand.
func NewGenerator(clock quartz.Clock, randSource RandSource) *Generator {
	if clock == nil {
		clock = quartz.NewReal()
	}
	return &Generator{clock: clock, randSource: randSource}
}

// ID returns a new session id.
func (g *Generator) ID() string {
	return encodeBase32(g.uuidV7())
}

// Code returns a new shareable code. Codes are short and can collide; the
// ledger retries on collision.
func (g *Generator) Code() string {
	var b strings.Builder
	b.Grow(CodeLength)
	for i := 0; i < CodeLength; i++ {
		b.WriteByte(codeAlphabet[g.intn(len(codeAlphabet))])
	}
	return b.String()
}

func (g *Generator) intn(n int) int {
	if g.randSource != nil {
		return g.randSource.Intn(n)
	}
	v, err := rand.Int(rand.Reader, big.NewInt(int64(n)))
	if err != nil {
		panic("failed to generate random index: " + err.Error())
	}
	return int(v.Int64())
}

// uuidV7 lays out a 48-bit millisecond timestamp, version 7, variant 10
// and 74 random bits.
func (g *Generator) uuidV7() [16]byte {
	var uuid [16]byte

	now := g.clock.Now().UnixMilli()
	uuid[0] = byte(now >> 40)
	uuid[1] = byte(now >> 32)
	uuid[2] = byte(now >> 24)
	uuid[3] = byte(now >> 16)
	uuid[4] = byte(now >> 8)
	uuid[5] = byte(now)

	if g.randSource != nil {
		for i := 6; i < 16; i++ {
			uuid[i] = byte(g.randSource.Intn(256))
		}
	} else if _, err := rand.Read(uuid[6:]); err != nil {
		panic("failed to generate random bytes: " + err.Error())
	}

	uuid[6] = (uuid[6] & 0x0f) | 0x70
	uuid[8] = (uuid[8] & 0x3f) | 0x80
	return uuid
}

// encodeBase32 encodes 128 bits as 26 characters, the first carrying only
// the top three bits.
func encodeBase32(data [16]byte) string {
	result := make([]byte, 26)
	// Walk the 130-bit value (two leading zero bits) five bits at a time.
	for i := 0; i < 26; i++ {
		var value uint8
		for bit := 0; bit < 5; bit++ {
			pos := i*5 + bit - 2
			value <<= 1
			if pos >= 0 && data[pos/8]&(0x80>>(pos%8)) != 0 {
				value |= 1
			}
		}
		result[i] = alphabet[value]
	}
	return string(result)
}

// Validate checks that id is a well-formed session id.
func Validate(id string) error {
	if len(id) != 26 {
		return fmt.Errorf("session id must be exactly 26 characters, got %d", len(id))
	}
	if id[0] > '7' {
		return fmt.Errorf("session id first character must be 0-7, got %c", id[0])
	}
	for i, char := range id {
		if !strings.ContainsRune(alphabet, char) {
			return fmt.Errorf("invalid character %c at position %d", char, i)
		}
	}
	return nil
}

// ValidateCode checks that code is a well-formed shareable code.
func ValidateCode(code string) error {
	if len(code) != CodeLength {
		return fmt.Errorf("code must be exactly %d characters, got %d", CodeLength, len(code))
	}
	for i, char := range code {
		if !strings.ContainsRune(codeAlphabet, char) {
			return fmt.Errorf("invalid character %c at position %d", char, i)
		}
	}
	return nil
}

// NormalizeCode upper-cases user input so codes can be typed loosely.
func NormalizeCode(code string) string {
	return strings.ToUpper(strings.TrimSpace(code))
}
