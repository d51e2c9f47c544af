package nitra

import "math"

// quantileEstimator implements the P-square algorithm for streaming
// quantile estimation: O(1) per-observation updates and O(1) retrieval,
// without storing the observations themselves. Grounded on the teacher's
// eventloop poller metrics, adapted here to track Profiler latency samples
// (e.g. response-flush duration) instead of poll-loop iteration timings.
//
// Reference: Jain, R. and Chlamtac, I. (1985). "The P^2 Algorithm for
// Dynamic Calculation of Quantiles and Histograms Without Storing
// Observations". Communications of the ACM, 28(10), pp. 1076-1085.
//
// Not safe for concurrent use; callers serialize access (Profiler does, via
// its own mutex).
type quantileEstimator struct {
	p          float64
	q          [5]float64
	n          [5]int
	np         [5]float64
	dn         [5]float64
	count      int
	initBuffer [5]float64
}

func newQuantileEstimator(p float64) *quantileEstimator {
	if p < 0 {
		p = 0
	}
	if p > 1 {
		p = 1
	}
	return &quantileEstimator{p: p, dn: [5]float64{0, p / 2, p, (1 + p) / 2, 1}}
}

func (e *quantileEstimator) Update(x float64) {
	e.count++

	if e.count <= 5 {
		e.initBuffer[e.count-1] = x
		if e.count == 5 {
			e.initialize()
		}
		return
	}

	var k int
	switch {
	case x < e.q[0]:
		e.q[0] = x
		k = 0
	case x >= e.q[4]:
		e.q[4] = x
		k = 3
	default:
		for k = 0; k < 4; k++ {
			if e.q[k] <= x && x < e.q[k+1] {
				break
			}
		}
	}

	for i := k + 1; i < 5; i++ {
		e.n[i]++
	}
	for i := 0; i < 5; i++ {
		e.np[i] += e.dn[i]
	}

	for i := 1; i < 4; i++ {
		d := e.np[i] - float64(e.n[i])
		if (d >= 1 && e.n[i+1]-e.n[i] > 1) || (d <= -1 && e.n[i-1]-e.n[i] < -1) {
			sign := 1
			if d < 0 {
				sign = -1
			}
			qPrime := e.parabolic(i, sign)
			if e.q[i-1] < qPrime && qPrime < e.q[i+1] {
				e.q[i] = qPrime
			} else {
				e.q[i] = e.linear(i, sign)
			}
			e.n[i] += sign
		}
	}
}

func (e *quantileEstimator) initialize() {
	for i := 1; i < 5; i++ {
		key := e.initBuffer[i]
		j := i - 1
		for j >= 0 && e.initBuffer[j] > key {
			e.initBuffer[j+1] = e.initBuffer[j]
			j--
		}
		e.initBuffer[j+1] = key
	}
	for i := 0; i < 5; i++ {
		e.q[i] = e.initBuffer[i]
		e.n[i] = i
	}
	e.np = [5]float64{0, 2 * e.p, 4 * e.p, 2 + 2*e.p, 4}
}

func (e *quantileEstimator) parabolic(i, d int) float64 {
	df := float64(d)
	ni, niPrev, niNext := float64(e.n[i]), float64(e.n[i-1]), float64(e.n[i+1])
	term1 := df / (niNext - niPrev)
	term2 := (ni - niPrev + df) * (e.q[i+1] - e.q[i]) / (niNext - ni)
	term3 := (niNext - ni - df) * (e.q[i] - e.q[i-1]) / (ni - niPrev)
	return e.q[i] + term1*(term2+term3)
}

func (e *quantileEstimator) linear(i, d int) float64 {
	if d == 1 {
		return e.q[i] + (e.q[i+1]-e.q[i])/float64(e.n[i+1]-e.n[i])
	}
	return e.q[i] - (e.q[i]-e.q[i-1])/float64(e.n[i]-e.n[i-1])
}

// Quantile returns the current estimate.
func (e *quantileEstimator) Quantile() float64 {
	if e.count == 0 {
		return 0
	}
	if e.count < 5 {
		sorted := make([]float64, e.count)
		copy(sorted, e.initBuffer[:e.count])
		for i := 1; i < e.count; i++ {
			key := sorted[i]
			j := i - 1
			for j >= 0 && sorted[j] > key {
				sorted[j+1] = sorted[j]
				j--
			}
			sorted[j+1] = key
		}
		index := int(float64(e.count-1) * e.p)
		if index >= e.count {
			index = e.count - 1
		}
		return sorted[index]
	}
	return e.q[2]
}

// latencyTracker maintains P50/P90/P99 estimates plus count/sum/max for one
// named latency series.
type latencyTracker struct {
	p50, p90, p99 *quantileEstimator
	count         int
	sum           float64
	max           float64
}

func newLatencyTracker() *latencyTracker {
	return &latencyTracker{
		p50: newQuantileEstimator(0.50),
		p90: newQuantileEstimator(0.90),
		p99: newQuantileEstimator(0.99),
		max: -math.MaxFloat64,
	}
}

func (l *latencyTracker) observe(seconds float64) {
	l.count++
	l.sum += seconds
	if seconds > l.max {
		l.max = seconds
	}
	l.p50.Update(seconds)
	l.p90.Update(seconds)
	l.p99.Update(seconds)
}
