package nitra

import (
	"fmt"
	"math"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/exp/constraints"
	"golang.org/x/exp/slices"
)

// ring is a growable ring buffer of ordered values, used by ConnRateLimiter
// to hold a per-remote-address sliding window of accept timestamps.
type ring[E constraints.Ordered] struct {
	s    []E
	r, w uint
}

func newRing[E constraints.Ordered](size int) *ring[E] {
	if size <= 0 || size&(size-1) != 0 {
		panic("nitra: ring: size must be a power of 2")
	}
	return &ring[E]{s: make([]E, size)}
}

func (x *ring[E]) mask(val uint) uint { return val & (uint(len(x.s)) - 1) }

func (x *ring[E]) bounds() (i1, l1, l2 int) {
	if x.r == x.w {
		return
	}
	i1 = int(x.mask(x.r))
	l1 = int(x.mask(x.w))
	if l1 <= i1 {
		l2 = l1
		l1 = len(x.s)
	}
	return
}

func (x *ring[E]) Len() int { return int(x.w - x.r) }
func (x *ring[E]) Cap() int { return len(x.s) }

func (x *ring[E]) Get(i int) E {
	if i < 0 || i >= x.Len() {
		panic("nitra: ring: get: index out of range")
	}
	return x.s[x.mask(x.r+uint(i))]
}

func (x *ring[E]) RemoveBefore(index int) {
	if index < 0 || index > x.Len() {
		panic("nitra: ring: remove before: index out of range")
	}
	x.r += uint(index)
}

func (x *ring[E]) Search(value E) int {
	return sort.Search(x.Len(), func(i int) bool { return x.Get(i) >= value })
}

func (x *ring[E]) Insert(index int, value E) {
	l := x.Len()
	if index < 0 || index > l {
		panic("nitra: ring: insert: index out of range")
	}

	if l == len(x.s) {
		s := make([]E, uint(len(x.s))<<1)
		if len(s) == 0 {
			panic("nitra: ring: insert: overflow")
		}
		i1, l1, l2 := x.bounds()
		l = l1 - i1
		if index < l {
			copy(s, x.s[i1:i1+index])
			s[index] = value
			copy(s[index+1:], x.s[i1+index:l1])
			l++
			copy(s[l:], x.s[:l2])
			l += l2
		} else {
			copy(s, x.s[i1:l1])
			copy(s[l:], x.s[:index-l])
			s[index] = value
			copy(s[index+1:], x.s[index-l:l2])
			l += l2 + 1
		}
		x.r, x.w, x.s = 0, uint(l), s
		return
	}

	var i, j int
	if l == 0 {
		x.r, x.w = 0, 0
	} else {
		i = int(x.mask(x.r))
		j = int(x.mask(x.w))
	}

	if l == 0 || i < j {
		copy(x.s[i+index+1:], x.s[i+index:j])
		x.s[i+index] = value
		x.w++
		return
	}

	if index >= len(x.s)-i {
		index -= len(x.s) - i
		copy(x.s[index+1:], x.s[index:j])
		x.s[index] = value
		x.w++
		return
	}

	copy(x.s[1:], x.s[:j])
	x.s[0] = x.s[len(x.s)-1]
	copy(x.s[i+index+1:], x.s[i+index:])
	x.s[i+index] = value
	x.w++
}

// parseAdmissionRates validates a rate map and returns the retention
// duration, the largest window for which a rate is defined. Rates must be
// monotonic: each longer window must allow strictly more admissions than the
// next shorter one, at a strictly lower average rate, since otherwise one of
// the two windows would never bind.
func parseAdmissionRates(rates map[time.Duration]int) (time.Duration, bool) {
	if len(rates) == 0 {
		return 0, false
	}

	durations := make([]time.Duration, 0, len(rates))
	for d := range rates {
		durations = append(durations, d)
	}
	slices.Sort(durations)

	for i, d := range durations {
		count := rates[d]
		if count <= 0 || d <= 0 {
			return 0, false
		}
		if (i < len(durations)-1 && count >= rates[durations[i+1]]) ||
			(i > 0 && float64(count)/float64(d) >= float64(rates[durations[i-1]])/float64(durations[i-1])) {
			return 0, false
		}
	}
	return durations[len(durations)-1], true
}

// filterAdmissions discards events that have aged out of every configured
// window and reports how long the caller must wait before admitting another
// event without breaching the tightest currently-binding window.
func filterAdmissions(now time.Time, rates map[time.Duration]int, events *ring[int64]) (remaining time.Duration) {
	keepFrom := events.Len()

	for rate, limit := range rates {
		if limit <= 0 || rate <= 0 {
			continue
		}
		boundary := now.Add(-rate)
		index := events.Search(boundary.UnixNano() + 1)
		if index < keepFrom {
			keepFrom = index
		}
		if limit <= events.Len()-index {
			offset := time.Unix(0, events.Get(events.Len()-limit)).Sub(boundary)
			if offset > remaining {
				remaining = offset
			}
		}
	}

	events.RemoveBefore(keepFrom)
	return remaining
}

const admissionNextZero = math.MinInt64

type addressWindow struct {
	atomic *[2]int64 // [0]=next allowed UnixNano or admissionNextZero, [1]=most recent UnixNano
	events *ring[int64]
	mu     sync.Mutex
}

var addressWindowPool = sync.Pool{New: func() any {
	return &addressWindow{atomic: new([2]int64), events: newRing[int64](8)}
}}

func (x *addressWindow) loadNext() int64     { return atomic.LoadInt64(&x.atomic[0]) }
func (x *addressWindow) storeNext(v int64)   { atomic.StoreInt64(&x.atomic[0], v) }
func (x *addressWindow) loadRecent() int64   { return atomic.LoadInt64(&x.atomic[1]) }
func (x *addressWindow) storeRecent(v int64) { atomic.StoreInt64(&x.atomic[1], v) }

// ConnRateLimiter caps how many connections the Acceptor admits from a
// single remote address across one or more sliding windows, e.g. 20/second
// and 200/minute. It is independent of Throttler, which paces bytes on an
// already-admitted connection; this limiter gates admission itself, so a
// single address cannot exhaust accept(2) throughput or worker-pool
// capacity by opening connections in a tight loop. Grounded on the
// multi-window sliding-window limiter of the pack's rate-limiting library,
// adapted from per-arbitrary-category rate limiting to per-remote-address
// connection admission.
type ConnRateLimiter struct {
	running    *int32
	rates      map[time.Duration]int
	categories sync.Map
	retention  time.Duration
	mu         sync.RWMutex

	// now and newTicker are the injectable clock seam, mirroring
	// Throttler's now field, so the sliding-window eviction and the
	// cleanup worker's tick period can be driven deterministically in
	// tests instead of hardcoding time.Now/time.NewTicker.
	now              func() time.Time
	newTicker        func(time.Duration) *time.Ticker
	minCleanupPeriod time.Duration
}

// minCleanupPeriodDefault matches the source's own floor on the cleanup
// worker's tick period.
const minCleanupPeriodDefault = time.Second

// NewConnRateLimiter builds a limiter from a map of window durations to the
// maximum admissions allowed within that window. Panics if rates are
// non-positive or non-monotonic (a looser short window never binds).
func NewConnRateLimiter(rates map[time.Duration]int) *ConnRateLimiter {
	retention, ok := parseAdmissionRates(rates)
	if !ok {
		panic(fmt.Errorf("nitra: invalid admission rates: %v", rates))
	}
	return &ConnRateLimiter{
		running:          new(int32),
		rates:            rates,
		retention:        retention,
		now:              time.Now,
		newTicker:        time.NewTicker,
		minCleanupPeriod: minCleanupPeriodDefault,
	}
}

func (x *ConnRateLimiter) ok() bool { return x != nil && len(x.rates) != 0 }

// Allow attempts to admit a connection from addr, identified by its string
// form (net.Addr.String(), typically just the IP). It returns whether the
// connection is admitted and, if rate limiting is currently in effect, the
// time at which another attempt may succeed.
func (x *ConnRateLimiter) Allow(addr string) (time.Time, bool) {
	if !x.ok() {
		return time.Time{}, true
	}

	x.mu.RLock()
	defer x.mu.RUnlock()

	now := x.now()
	nowNano := now.UnixNano()

	if atomic.CompareAndSwapInt32(x.running, 0, 1) {
		go x.worker()
	}

	var (
		data   *addressWindow
		loaded bool
	)
	{
		candidate := addressWindowPool.Get().(*addressWindow)
		*candidate.atomic = [2]int64{admissionNextZero, nowNano}
		candidate.mu.Lock()

		value, wasLoaded := x.categories.LoadOrStore(addr, candidate)
		loaded = wasLoaded
		if loaded {
			candidate.mu.Unlock()
			addressWindowPool.Put(candidate)
			data = value.(*addressWindow)
		} else {
			defer candidate.mu.Unlock()
			data = candidate
		}
	}

	if next := data.loadNext(); next != admissionNextZero && nowNano < next {
		return time.Unix(0, next), false
	}

	if loaded {
		data.mu.Lock()
		defer data.mu.Unlock()

		if data.atomic[0] != admissionNextZero && nowNano < data.atomic[0] {
			return time.Unix(0, data.atomic[0]), false
		}
		if data.atomic[1] < nowNano {
			data.storeRecent(nowNano)
		}
	}

	data.events.Insert(data.events.Search(nowNano), nowNano)

	remaining := filterAdmissions(now, x.rates, data.events)
	if remaining <= 0 {
		data.storeNext(admissionNextZero)
		return time.Time{}, true
	}

	next := now.Add(remaining)
	data.storeNext(next.UnixNano())
	return next, true
}

func (x *ConnRateLimiter) worker() {
	var toDelete []string

	period := time.Duration(math.Max(float64(x.retention)*0.5, float64(x.minCleanupPeriod)))
	ticker := x.newTicker(period)
	defer ticker.Stop()

	for range ticker.C {
		threshold := x.now().Add(-x.retention).UnixNano()
		chanceOfStop := true

		x.categories.Range(func(key, value any) bool {
			if value.(*addressWindow).loadRecent() < threshold {
				toDelete = append(toDelete, key.(string))
			} else {
				chanceOfStop = false
			}
			return true
		})

		if len(toDelete) != 0 {
			if x.cleanup(toDelete, threshold, chanceOfStop) {
				return
			}
			toDelete = toDelete[:0]
		}
	}
}

func (x *ConnRateLimiter) cleanup(toDelete []string, threshold int64, chanceOfStop bool) (mustStop bool) {
	x.mu.Lock()
	defer x.mu.Unlock()

	for _, addr := range toDelete {
		value, ok := x.categories.Load(addr)
		if !ok {
			continue
		}
		data := value.(*addressWindow)
		if data.atomic[1] < threshold {
			x.categories.Delete(addr)
			const maxEventsCap = 1 << 10
			if data.events.Cap() <= maxEventsCap {
				data.events.RemoveBefore(data.events.Len())
				addressWindowPool.Put(data)
			}
		} else {
			chanceOfStop = false
		}
	}

	if chanceOfStop {
		x.categories.Range(func(_, _ any) bool {
			chanceOfStop = false
			return false
		})
		if chanceOfStop {
			*x.running = 0
			return true
		}
	}
	return false
}
