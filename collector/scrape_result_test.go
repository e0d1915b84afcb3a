package collector

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestScrapeResultStaleness(t *testing.T) {
	fresh := successfulResult(time.Now())
	assert.True(t, fresh.Successful)
	assert.False(t, fresh.IsStale(30*time.Second))

	old := successfulResult(time.Now().Add(-time.Minute))
	assert.True(t, old.IsStale(30*time.Second))
	assert.GreaterOrEqual(t, old.Age(), time.Minute)
}

func TestFailedResultCarriesError(t *testing.T) {
	boom := errors.New("boom")
	r := failedResult(time.Now(), boom)
	assert.False(t, r.Successful)
	assert.ErrorIs(t, r.Err, boom)
}
