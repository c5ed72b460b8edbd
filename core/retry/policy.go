package retry

import (
	"fmt"
	"strings"
	"time"
)

// Strategy kinds accepted by Policy.
const (
	KindExponential = "exponential"
	KindLinear      = "linear"
	KindConstant    = "constant"
	KindNone        = "none"
)

const (
	defaultMaxRetries = 3
	defaultBaseDelay  = time.Second
	defaultMaxDelay   = time.Minute
	defaultMultiplier = 2.0
)

// Policy is the serializable form of a Strategy, as declared on a workflow step.
type Policy struct {
	Strategy   string        `json:"strategy,omitempty" yaml:"strategy,omitempty"`
	MaxRetries *int          `json:"max_retries,omitempty" yaml:"max_retries,omitempty"`
	BaseDelay  time.Duration `json:"base_delay,omitempty" yaml:"base_delay,omitempty"`
	MaxDelay   time.Duration `json:"max_delay,omitempty" yaml:"max_delay,omitempty"`
	Multiplier float64       `json:"multiplier,omitempty" yaml:"multiplier,omitempty"`
	Increment  time.Duration `json:"increment,omitempty" yaml:"increment,omitempty"`
	Jitter     float64       `json:"jitter,omitempty" yaml:"jitter,omitempty"`
	RetryOn    []Category    `json:"retry_on,omitempty" yaml:"retry_on,omitempty"`
}

// DefaultPolicy is used when a step asks for retries without declaring a policy.
func DefaultPolicy() Policy {
	return Policy{Strategy: KindExponential}
}

// Build converts the policy into a Strategy, filling defaults for unset fields.
func (p Policy) Build() (Strategy, error) {
	limits := Limits{MaxRetries: defaultMaxRetries, RetryOn: p.RetryOn}
	if p.MaxRetries != nil {
		if *p.MaxRetries < 0 {
			return nil, fmt.Errorf("retry: max_retries must be >= 0")
		}
		limits.MaxRetries = *p.MaxRetries
	}
	for _, c := range p.RetryOn {
		if !c.Valid() {
			return nil, fmt.Errorf("retry: unknown category %q", c)
		}
	}
	base := p.BaseDelay
	if base <= 0 {
		base = defaultBaseDelay
	}
	maxDelay := p.MaxDelay
	if maxDelay <= 0 {
		maxDelay = defaultMaxDelay
	}
	if p.Jitter < 0 || p.Jitter > 1 {
		return nil, fmt.Errorf("retry: jitter must be within [0,1]")
	}

	switch strings.ToLower(strings.TrimSpace(p.Strategy)) {
	case "", KindExponential:
		mult := p.Multiplier
		if mult <= 0 {
			mult = defaultMultiplier
		}
		return Exponential{Limits: limits, Base: base, Multiplier: mult, Max: maxDelay, Jitter: p.Jitter}, nil
	case KindLinear:
		inc := p.Increment
		if inc <= 0 {
			inc = base
		}
		return Linear{Limits: limits, Base: base, Increment: inc, Max: maxDelay}, nil
	case KindConstant:
		return Constant{Limits: limits, Delay: base}, nil
	case KindNone:
		return None{}, nil
	default:
		return nil, fmt.Errorf("retry: unknown strategy %q", p.Strategy)
	}
}

// IntPtr is a helper for building policies in code.
func IntPtr(v int) *int { return &v }
