package secretshare

import (
	"crypto/rand"
	"encoding/binary"
	"fmt"
)

// Modulus is M = 2^32, fixed normatively: every share and every
// reconstructed value lives in [0, Modulus).
const Modulus uint64 = 1 << 32

// Shares holds the three additive shares produced by Split. Share[0] goes
// to the first coordinator C1, Share[1] to C2, Share[2] to C3.
type Shares [3]uint32

// Split draws s1 and s2 uniformly at random from [0, Modulus) using a
// cryptographically strong entropy source, and sets s3 = (v - s1 - s2) mod
// Modulus. Because s1 and s2 are independent uniform draws, any two of the
// three returned shares are statistically independent of v — recovering v
// requires all three.
func Split(v uint32) (Shares, error) {
	s1, err := randomUint32()
	if err != nil {
		return Shares{}, fmt.Errorf("secretshare: drawing s1: %w", err)
	}
	s2, err := randomUint32()
	if err != nil {
		return Shares{}, fmt.Errorf("secretshare: drawing s2: %w", err)
	}

	s3 := uint32((uint64(v) - uint64(s1) - uint64(s2)) % Modulus)

	return Shares{s1, s2, s3}, nil
}

// Reconstruct returns (s1 + s2 + s3) mod Modulus. It is the only defined
// operation on a completed share triple: shares are never compared for
// equality, and no partial combination of fewer than three shares is
// meaningful.
func Reconstruct(s1, s2, s3 uint32) uint32 {
	sum := uint64(s1) + uint64(s2) + uint64(s3)
	return uint32(sum % Modulus)
}

// AddColumn folds a single share into a running modular column sum.
// coordinator.RestrictedSum uses it to sum a share column at reveal time.
func AddColumn(runningSum, next uint32) uint32 {
	return uint32((uint64(runningSum) + uint64(next)) % Modulus)
}

func randomUint32() (uint32, error) {
	var buf [4]byte
	if _, err := rand.Read(buf[:]); err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint32(buf[:]), nil
}
