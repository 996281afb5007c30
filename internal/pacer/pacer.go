// Package pacer implements an exponential decay/attack retry-backoff
// scheduler, modeled on github.com/rclone/rclone/lib/pacer (Pacer,
// Default calculator, min/max sleep, attack/decay constants - the
// only surviving source for that package in the retrieval pack was
// lib/pacer/pacer_test.go, whose API this reconstructs).
package pacer

import (
	"context"
	"time"
)

// State carries the pacer's sleep-time and consecutive-retry count
// across calls to Calculate.
type State struct {
	SleepTime          time.Duration
	ConsecutiveRetries int
}

// Calculator computes the next sleep interval given the current
// state.
type Calculator interface {
	Calculate(state State) time.Duration
}

// Default is the exponential decay/attack calculator: on success the
// sleep time decays geometrically towards minSleep; on a retry it
// attacks geometrically towards maxSleep.
type Default struct {
	minSleep       time.Duration
	maxSleep       time.Duration
	decayConstant  uint
	attackConstant uint
}

// Option configures a Pacer or a Default calculator.
type Option func(*options)

type options struct {
	minSleep       time.Duration
	maxSleep       time.Duration
	decayConstant  uint
	attackConstant uint
	retries        int
}

func defaultOptions() options {
	return options{
		minSleep:       10 * time.Millisecond,
		maxSleep:       2 * time.Second,
		decayConstant:  2,
		attackConstant: 1,
		retries:        3,
	}
}

// MinSleep sets the minimum sleep interval.
func MinSleep(d time.Duration) Option { return func(o *options) { o.minSleep = d } }

// MaxSleep sets the maximum sleep interval.
func MaxSleep(d time.Duration) Option { return func(o *options) { o.maxSleep = d } }

// DecayConstant sets the decay constant (larger = faster decay on success).
func DecayConstant(c uint) Option { return func(o *options) { o.decayConstant = c } }

// AttackConstant sets the attack constant (smaller = faster climb to maxSleep on retry).
func AttackConstant(c uint) Option { return func(o *options) { o.attackConstant = c } }

// Retries sets the default retry budget used by Call.
func Retries(n int) Option { return func(o *options) { o.retries = n } }

// NewDefault constructs a Default calculator.
func NewDefault(opts ...Option) *Default {
	o := defaultOptions()
	for _, opt := range opts {
		opt(&o)
	}
	return &Default{
		minSleep:       o.minSleep,
		maxSleep:       o.maxSleep,
		decayConstant:  o.decayConstant,
		attackConstant: o.attackConstant,
	}
}

// Calculate implements Calculator.
func (d *Default) Calculate(state State) time.Duration {
	next := state.SleepTime
	if state.ConsecutiveRetries == 0 {
		// decay towards minSleep
		if d.decayConstant == 0 {
			next = d.minSleep
		} else {
			next = next - (next-d.minSleep)/time.Duration(d.decayConstant+1)
		}
	} else {
		// attack towards maxSleep
		if d.attackConstant == 0 {
			next = d.maxSleep
		} else {
			next = next + (d.maxSleep-next)/time.Duration(d.attackConstant+1)
		}
	}
	if next < d.minSleep {
		next = d.minSleep
	}
	if next > d.maxSleep {
		next = d.maxSleep
	}
	return next
}

// Pacer sequences retryable calls, sleeping an amount computed by its
// Calculator between consecutive retries of the same logical
// operation. It is safe for concurrent use: the calculator holds no
// state, and each call to Call keeps its own sleep state, so
// concurrent calls pace themselves independently (the attempt-budget
// state lives with the caller, per spec's "task is a value type"
// design note).
type Pacer struct {
	calculator Calculator
	retries    int
}

// New constructs a Pacer.
func New(opts ...Option) *Pacer {
	o := defaultOptions()
	for _, opt := range opts {
		opt(&o)
	}
	return &Pacer{
		calculator: NewDefault(opts...),
		retries:    o.retries,
	}
}

// Call invokes fn up to (retries+1) times. fn reports whether the
// error is retriable; Call sleeps between attempts per the
// calculator, respecting ctx cancellation. It returns the last error
// if the budget is exhausted, or nil on success.
func (p *Pacer) Call(ctx context.Context, fn func() (retry bool, err error)) error {
	state := State{SleepTime: p.calculator.Calculate(State{})}
	var lastErr error
	for attempt := 0; attempt <= p.retries; attempt++ {
		retry, err := fn()
		if err == nil {
			return nil
		}
		lastErr = err
		if !retry || attempt == p.retries {
			return lastErr
		}
		state.ConsecutiveRetries++
		state.SleepTime = p.calculator.Calculate(state)
		select {
		case <-time.After(state.SleepTime):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return lastErr
}
