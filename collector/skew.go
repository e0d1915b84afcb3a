package collector

import "sync/atomic"

// skewStats is a max/avg/ratio rollup over per-host samples. A ratio
// of 1 means the hosts are balanced; larger values mean one host is
// carrying more than its share.
type skewStats struct {
	Max   float64
	Avg   float64
	Ratio float64
}

func skewOf(values []float64) skewStats {
	if len(values) == 0 {
		return skewStats{}
	}
	var max, sum float64
	for _, v := range values {
		if v > max {
			max = v
		}
		sum += v
	}
	avg := sum / float64(len(values))
	var ratio float64
	if avg > 0 {
		ratio = max / avg
	}
	return skewStats{Max: max, Avg: avg, Ratio: ratio}
}

// skewRef holds a skewStats snapshot behind an atomic pointer so gauge
// suppliers can read it without locking.
type skewRef struct {
	p atomic.Pointer[skewStats]
}

func (r *skewRef) set(s skewStats) {
	r.p.Store(&s)
}

func (r *skewRef) get() skewStats {
	if s := r.p.Load(); s != nil {
		return *s
	}
	return skewStats{}
}

func (r *skewRef) max() float64   { return r.get().Max }
func (r *skewRef) avg() float64   { return r.get().Avg }
func (r *skewRef) ratio() float64 { return r.get().Ratio }
