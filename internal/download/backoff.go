package download

import "time"

// linearBackoff computes the sleep before retry attempt n (0-based),
// spec.md §4.2 step 4: "sleep retry_delay_ms * (attempt+1) (linear
// backoff)". This replaces the teacher's decorrelated-jitter backoff
// (retry.go's waitAlgo) with the spec's simpler deterministic schedule,
// which has no jitter.
func linearBackoff(base time.Duration, attempt int) time.Duration {
	return base * time.Duration(attempt+1)
}

func msToDuration(ms int) time.Duration {
	return time.Duration(ms) * time.Millisecond
}

func secToDuration(s int) time.Duration {
	return time.Duration(s) * time.Second
}
