package model

import "context"

// Verdict is a validator's opinion about one proposed transition.
// HardBlocks always prevent the transition. SoftWarnings prevent it unless
// the caller explicitly overrides them.
type Verdict struct {
	HardBlocks   []string `json:"hard_blocks"`
	SoftWarnings []string `json:"soft_warnings"`
}

// Empty reports whether the verdict carries no findings.
func (v Verdict) Empty() bool {
	return len(v.HardBlocks) == 0 && len(v.SoftWarnings) == 0
}

// Merge appends other's findings to v, preserving order.
func (v Verdict) Merge(other Verdict) Verdict {
	return Verdict{
		HardBlocks:   append(append([]string{}, v.HardBlocks...), other.HardBlocks...),
		SoftWarnings: append(append([]string{}, v.SoftWarnings...), other.SoftWarnings...),
	}
}

// Validator inspects an encounter and a proposed edge and reports blockers.
// Implementations must not mutate the encounter. A returned error is
// treated as a hard block.
type Validator interface {
	Validate(ctx context.Context, enc Encounter, from, to string) (Verdict, error)
}

// ValidatorFunc adapts a plain function to the Validator interface.
type ValidatorFunc func(ctx context.Context, enc Encounter, from, to string) (Verdict, error)

// Validate calls f.
func (f ValidatorFunc) Validate(ctx context.Context, enc Encounter, from, to string) (Verdict, error) {
	return f(ctx, enc, from, to)
}
