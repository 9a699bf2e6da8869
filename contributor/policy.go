package contributor

import (
	"context"
	"crypto/rand"
	"fmt"
	"math/big"
)

// ResponsePolicy produces one contributor's private numeric response for a
// computation. The core guarantees only that the returned value lies in
// [0, 2^32); what it measures is entirely up to the policy.
type ResponsePolicy interface {
	GenerateResponse(ctx context.Context, prompt string) (uint32, error)
}

// UniformPolicy is the reference response policy: a uniform draw in
// [0, Max] using crypto/rand, since the drawn value ultimately gets
// secret-shared.
type UniformPolicy struct {
	Max int64
}

// NewUniformPolicy creates a UniformPolicy drawing from [0, max].
func NewUniformPolicy(max int64) UniformPolicy {
	return UniformPolicy{Max: max}
}

func (p UniformPolicy) GenerateResponse(_ context.Context, _ string) (uint32, error) {
	n, err := rand.Int(rand.Reader, big.NewInt(p.Max+1))
	if err != nil {
		return 0, fmt.Errorf("contributor: drawing response: %w", err)
	}
	return uint32(n.Int64()), nil
}

// FixedPolicy always returns the same value. Useful for deterministic
// integration tests that need to assert an exact aggregate.
type FixedPolicy struct {
	Value uint32
}

// NewFixedPolicy creates a FixedPolicy returning value on every call.
func NewFixedPolicy(value uint32) FixedPolicy {
	return FixedPolicy{Value: value}
}

func (p FixedPolicy) GenerateResponse(_ context.Context, _ string) (uint32, error) {
	return p.Value, nil
}
