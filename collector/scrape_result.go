package collector

import "time"

// ScrapeResult records when a scrape started and whether it succeeded.
// Successful results are cached so concurrent scrape requests can be
// answered from recent state instead of marking the target down.
type ScrapeResult struct {
	Timestamp  time.Time
	Successful bool
	Err        error
}

func successfulResult(start time.Time) ScrapeResult {
	return ScrapeResult{Timestamp: start, Successful: true}
}

func failedResult(start time.Time, err error) ScrapeResult {
	return ScrapeResult{Timestamp: start, Err: err}
}

// IsStale reports whether the result is older than maxAge.
func (r ScrapeResult) IsStale(maxAge time.Duration) bool {
	return time.Since(r.Timestamp) > maxAge
}

// Age returns the time elapsed since the scrape started.
func (r ScrapeResult) Age() time.Duration {
	return time.Since(r.Timestamp)
}
