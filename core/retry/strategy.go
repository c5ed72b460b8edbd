package retry

import (
	"math"
	"math/rand/v2"
	"slices"
	"time"
)

// Strategy decides whether a failed attempt is retried and how long to wait first.
// attempt is zero-based: 0 is the first failed attempt.
type Strategy interface {
	ShouldRetry(attempt int, err error) (bool, Category)
	NextDelay(attempt int) time.Duration
}

// Limits is the shared retry budget of the concrete strategies.
type Limits struct {
	// MaxRetries is the number of retries after the first attempt.
	MaxRetries int
	// RetryOn restricts retries to the listed categories. Empty allows all.
	RetryOn []Category
}

// ShouldRetry applies the retry budget and the category allow-list.
func (l Limits) ShouldRetry(attempt int, err error) (bool, Category) {
	if err == nil {
		return false, ""
	}
	category := CategoryOf(err)
	if attempt < 0 || attempt >= l.MaxRetries {
		return false, category
	}
	if len(l.RetryOn) > 0 && !slices.Contains(l.RetryOn, category) {
		return false, category
	}
	return true, category
}

// Exponential waits Base*Multiplier^attempt spread by +/- Jitter, never more than Max.
type Exponential struct {
	Limits
	Base       time.Duration
	Multiplier float64
	Max        time.Duration
	// Jitter is a fraction in [0,1]; 0.2 spreads the delay by up to 20% either way.
	Jitter float64
}

func (e Exponential) NextDelay(attempt int) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	mult := e.Multiplier
	if mult <= 0 {
		mult = 2
	}
	delay := float64(e.Base) * math.Pow(mult, float64(attempt))
	if e.Max > 0 && delay > float64(e.Max) {
		delay = float64(e.Max)
	}
	if delay > math.MaxInt64 {
		delay = math.MaxInt64
	}
	if e.Jitter > 0 {
		j := math.Min(e.Jitter, 1)
		delay += delay * j * (2*rand.Float64() - 1)
		if e.Max > 0 && delay > float64(e.Max) {
			delay = float64(e.Max)
		}
	}
	if delay < 0 {
		return 0
	}
	return time.Duration(delay)
}

// Linear waits min(Base+attempt*Increment, Max).
type Linear struct {
	Limits
	Base      time.Duration
	Increment time.Duration
	Max       time.Duration
}

func (l Linear) NextDelay(attempt int) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	delay := l.Base + time.Duration(attempt)*l.Increment
	if l.Max > 0 && delay > l.Max {
		delay = l.Max
	}
	if delay < 0 {
		return 0
	}
	return delay
}

// Constant waits the same Delay between attempts.
type Constant struct {
	Limits
	Delay time.Duration
}

func (c Constant) NextDelay(int) time.Duration {
	if c.Delay < 0 {
		return 0
	}
	return c.Delay
}

// None never retries.
type None struct{}

func (None) ShouldRetry(_ int, err error) (bool, Category) {
	if err == nil {
		return false, ""
	}
	return false, CategoryOf(err)
}

func (None) NextDelay(int) time.Duration { return 0 }
