package workflow

// CircuitBreakerConfig parameterizes a per-step CircuitBreaker
// (pkg/retry). New construct, grounded directly on spec.md §4.6/§3 —
// the teacher has no circuit breaker precedent, so this follows the
// standard Go mutex-guarded-state-machine idiom used elsewhere in the
// teacher for shared counters (e.g. WorkflowWorker.CurrentStepCount).
type CircuitBreakerConfig struct {
	FailureThreshold   int
	SuccessThreshold   int
	OpenDurationMs     int64
	HalfOpenDurationMs int64
	HalfOpenMaxAttempts int
}

// DefaultCircuitBreakerConfig is a conservative default: three
// consecutive failures opens the breaker, one success in half-open
// closes it again.
func DefaultCircuitBreakerConfig() CircuitBreakerConfig {
	return CircuitBreakerConfig{
		FailureThreshold:    3,
		SuccessThreshold:    1,
		OpenDurationMs:      30000,
		HalfOpenDurationMs:  30000,
		HalfOpenMaxAttempts: 1,
	}
}
