package workflow

import "time"

// RetryPolicy governs RetryExecutor's attempt/backoff/abort behavior
// for one step. Generalizes pkg/execution/types.go's RetryPolicy
// (MaxAttempts/BackoffMultiplier/InitialDelayMS/MaxDelayMS) with the
// spec's jitter factor and error-kind predicates in place of the
// teacher's plain error-string matching.
type RetryPolicy struct {
	MaxAttempts       int
	InitialDelayMs    int64
	BackoffMultiplier float64
	MaxDelayMs        int64
	JitterFactor      float64 // in [0,1]
	RetryOn           map[ErrorKind]bool
	AbortOn           map[ErrorKind]bool
	RetryOnFailResult bool
}

// DefaultRetryPolicy mirrors the teacher's DefaultRetryPolicy values,
// minus the teacher's string-based error lists (replaced by the
// ErrorKind predicates above).
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts:       3,
		InitialDelayMs:    1000,
		BackoffMultiplier: 2.0,
		MaxDelayMs:        300000,
		JitterFactor:      0,
	}
}

// ShouldRetry implements §4.5's retry decision: abort predicates take
// precedence over retry predicates at every level of the cause chain;
// if retryOn is empty, everything not aborted is retried.
func (p RetryPolicy) ShouldRetry(err error) bool {
	kinds := kindChain(err)
	for _, k := range kinds {
		if p.AbortOn[k] {
			return false
		}
	}
	if len(p.RetryOn) == 0 {
		return true
	}
	for _, k := range kinds {
		if p.RetryOn[k] {
			return true
		}
	}
	return false
}

func kindChain(err error) []ErrorKind {
	var kinds []ErrorKind
	for err != nil {
		if ee, ok := err.(*EngineError); ok {
			kinds = append(kinds, ee.Kind)
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			break
		}
		err = u.Unwrap()
	}
	return kinds
}

// BaseDelay computes delay(attempt) = min(maxDelayMs, initialDelayMs *
// backoffMultiplier^(attempt-1)) per §4.5, attempt being 1-based.
// Jitter is not applied here. pkg/retry does not call BaseDelay: it
// computes the same curve through cenkalti/backoff's ExponentialBackOff
// and scales each delay by (1 + JitterFactor*U), U drawn from [0,1).
func (p RetryPolicy) BaseDelay(attempt int) time.Duration {
	if attempt <= 1 {
		return time.Duration(p.InitialDelayMs) * time.Millisecond
	}
	delayMs := float64(p.InitialDelayMs)
	for i := 1; i < attempt; i++ {
		delayMs *= p.BackoffMultiplier
		if delayMs > float64(p.MaxDelayMs) {
			delayMs = float64(p.MaxDelayMs)
			break
		}
	}
	return time.Duration(delayMs) * time.Millisecond
}

// RetryContext tracks one step's retry attempts within an instance.
type RetryContext struct {
	StepID          string
	AttemptNumber   int
	MaxAttempts     int
	PriorAttempts   []AttemptRecord
	FirstAttemptMs  int64
	CurrentAttempMs int64
}

// AttemptRecord is one failed attempt in a RetryContext's history.
type AttemptRecord struct {
	TimestampMs int64
	DurationMs  int64
	Failure     error
}
