package types

import (
	"crypto/rand"
	"strings"
	"sync"
	"time"
)

// ULID is a 128-bit time-ordered identifier: a 48-bit millisecond timestamp
// followed by 80 random bits. Data table generations are named by ULIDs so
// that a newer generation always sorts after an older one.
type ULID [16]byte

// Crockford's Base32 alphabet (excludes I, L, O, U)
const crockfordBase32 = "0123456789ABCDEFGHJKMNPQRSTVWXYZ"

const ulidStringLen = 26

// ULIDGenerator generates ULIDs that increase strictly, even when several
// are generated within the same millisecond.
type ULIDGenerator struct {
	mu   sync.Mutex
	last ULID
}

// NewULIDGenerator creates a new ULID generator.
func NewULIDGenerator() *ULIDGenerator {
	return &ULIDGenerator{}
}

// Generate creates a new ULID with the current timestamp.
func (g *ULIDGenerator) Generate() (ULID, error) {
	return g.GenerateWithTime(time.Now())
}

// GenerateWithTime creates a new ULID with the given timestamp. If the
// timestamp does not advance past the previous one, the previous ULID is
// incremented instead so ordering is preserved.
func (g *ULIDGenerator) GenerateWithTime(t time.Time) (ULID, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	ms := uint64(t.UnixMilli())
	if ms <= g.last.Timestamp() && g.last != (ULID{}) {
		next := g.last
		for i := 15; i >= 6; i-- {
			next[i]++
			if next[i] != 0 {
				break
			}
		}
		g.last = next
		return next, nil
	}

	var id ULID
	for i := 0; i < 6; i++ {
		id[i] = byte(ms >> (8 * (5 - i)))
	}
	if _, err := rand.Read(id[6:]); err != nil {
		return ULID{}, err
	}
	g.last = id
	return id, nil
}

// Timestamp returns the timestamp component as Unix milliseconds.
func (u ULID) Timestamp() uint64 {
	var ms uint64
	for i := 0; i < 6; i++ {
		ms = ms<<8 | uint64(u[i])
	}
	return ms
}

// Time returns the timestamp component as a time.Time.
func (u ULID) Time() time.Time {
	return time.UnixMilli(int64(u.Timestamp()))
}

// String returns the 26-character Crockford Base32 form.
func (u ULID) String() string {
	var hi, lo uint64
	for i := 0; i < 8; i++ {
		hi = hi<<8 | uint64(u[i])
		lo = lo<<8 | uint64(u[8+i])
	}

	var buf [ulidStringLen]byte
	for i := ulidStringLen - 1; i >= 0; i-- {
		buf[i] = crockfordBase32[lo&31]
		lo = lo>>5 | hi<<59
		hi >>= 5
	}
	return string(buf[:])
}

// TableSuffix returns the lowercase string form, used in table names.
func (u ULID) TableSuffix() string {
	return strings.ToLower(u.String())
}

// Compare compares two ULIDs lexicographically.
// Returns -1 if u < other, 0 if u == other, 1 if u > other.
func (u ULID) Compare(other ULID) int {
	for i := range u {
		switch {
		case u[i] < other[i]:
			return -1
		case u[i] > other[i]:
			return 1
		}
	}
	return 0
}

// ParseULID parses a 26-character Crockford Base32 string, in either case.
func ParseULID(s string) (ULID, error) {
	if len(s) != ulidStringLen {
		return ULID{}, ErrInvalidULIDLength
	}

	var hi, lo uint64
	for i := 0; i < ulidStringLen; i++ {
		d := decodeBase32(s[i])
		if d == 0xFF {
			return ULID{}, ErrInvalidULIDCharacter
		}
		// 26 characters carry 130 bits; the first may only use the low 3.
		if i == 0 && d > 7 {
			return ULID{}, ErrInvalidULIDCharacter
		}
		hi = hi<<5 | lo>>59
		lo = lo<<5 | uint64(d)
	}

	var id ULID
	for i := 0; i < 8; i++ {
		id[7-i] = byte(hi >> (8 * i))
		id[15-i] = byte(lo >> (8 * i))
	}
	return id, nil
}

func decodeBase32(c byte) byte {
	if c >= 'a' && c <= 'z' {
		c -= 'a' - 'A'
	}
	if i := strings.IndexByte(crockfordBase32, c); i >= 0 {
		return byte(i)
	}
	return 0xFF
}
