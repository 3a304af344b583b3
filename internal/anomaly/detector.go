// Package anomaly is a supplemented, config-gated defense-in-depth
// layer: an EWMA spike detector adapted from the teacher's
// internal/anom.Detector, watching the same (domain, path, ip)
// traffic the evaluator sees and inserting a short-lived Block Table
// entry on a detected spike. It is not part of the core evaluator
// order in spec.md §4.4 and is disabled unless explicitly configured.
package anomaly

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"

	"github.com/sidcorp/pingwall/internal/ratelimit"
	"github.com/sidcorp/pingwall/pkg/metrics"
)

// sampleRate bounds how often Observe does its full bucket/EWMA update
// under extreme request floods, a local token-bucket fallback so the
// detector degrades gracefully instead of adding unbounded per-request
// CPU cost when Redis-backed counters are already saturated.
const sampleRate = 5000

// Config mirrors pkg/config.AnomalyConfig; kept separate so this
// package has no compile-time dependency on the config loader.
type Config struct {
	Enabled             bool
	WindowSeconds       int
	Buckets             int
	ThresholdMultiplier float64
	EWMAAlpha           float64
	BlockDurationSecs   uint64
}

type bucketState struct {
	counts   []int64
	idx      int
	tsSec    int64
	total    int64
	baseline float64
}

type perKey struct {
	sync.Mutex
	state *bucketState
}

// Detector tracks per (domain,path,ip) windows. Not wired into the
// Rate-Limit Evaluator's decision: it only ever adds a Block Table
// entry, origin-tagged "anomaly", alongside whatever the evaluator
// itself decided for the same request.
type Detector struct {
	cfg     Config
	blocks  *ratelimit.BlockTable
	keys    sync.Map
	clock   func() time.Time
	sampler *rate.Limiter
}

func NewDetector(cfg Config, blocks *ratelimit.BlockTable) *Detector {
	if cfg.WindowSeconds <= 0 {
		cfg.WindowSeconds = 10
	}
	if cfg.Buckets <= 0 {
		cfg.Buckets = cfg.WindowSeconds
	}
	if cfg.EWMAAlpha <= 0 {
		cfg.EWMAAlpha = 0.2
	}
	if cfg.ThresholdMultiplier <= 0 {
		cfg.ThresholdMultiplier = 5.0
	}
	if cfg.BlockDurationSecs == 0 {
		cfg.BlockDurationSecs = 60
	}
	return &Detector{
		cfg:     cfg,
		blocks:  blocks,
		clock:   time.Now,
		sampler: rate.NewLimiter(rate.Limit(sampleRate), sampleRate/10+1),
	}
}

// Observe updates the window for (domain,path,ip) and, on a detected
// spike, blocks ip with origin "anomaly". No-op when disabled or when
// the process-wide sample budget for this instant is exhausted.
func (d *Detector) Observe(domain, path, ip string) {
	if !d.cfg.Enabled {
		return
	}
	if !d.sampler.Allow() {
		return
	}

	key := domain + "|" + path + "|" + ip
	pkIface, _ := d.keys.LoadOrStore(key, &perKey{})
	pk := pkIface.(*perKey)

	nowSec := d.clock().Unix()

	pk.Lock()
	isAnomaly := d.observeLocked(pk, nowSec)
	pk.Unlock()

	if isAnomaly {
		metrics.AnomaliesTotal.WithLabelValues(domain, path).Inc()
		log.Warn().Str("domain", domain).Str("path", path).Str("ip", ip).Msg("anomaly_detected")
		d.blocks.Block(ip, "anomaly", "", time.Duration(d.cfg.BlockDurationSecs)*time.Second)
		metrics.AnomalyBlocksTotal.WithLabelValues(domain, path).Inc()
	}
}

func (d *Detector) observeLocked(pk *perKey, nowSec int64) bool {
	if pk.state == nil {
		pk.state = &bucketState{counts: make([]int64, d.cfg.Buckets), tsSec: nowSec}
	}
	st := pk.state

	delta := nowSec - st.tsSec
	if delta < 0 {
		delta = 0
	}
	if delta > 0 {
		steps := int(delta)
		if steps >= len(st.counts) {
			for i := range st.counts {
				st.counts[i] = 0
			}
			st.total = 0
			st.idx = 0
		} else {
			for i := 0; i < steps; i++ {
				st.idx = (st.idx + 1) % len(st.counts)
				st.total -= st.counts[st.idx]
				st.counts[st.idx] = 0
			}
		}
		st.tsSec = nowSec
	}

	st.counts[st.idx]++
	st.total++

	current := float64(st.total)
	prev := st.baseline
	threshold := d.cfg.ThresholdMultiplier * maxFloat(1.0, prev)
	isAnomaly := current > threshold

	alpha := d.cfg.EWMAAlpha
	if prev == 0 {
		st.baseline = alpha * current
	} else {
		st.baseline = alpha*current + (1.0-alpha)*prev
	}

	return isAnomaly
}

// ActiveKeys reports the number of tracked (domain,path,ip) windows,
// feeding the anomaly_active_keys gauge from an external ticker.
func (d *Detector) ActiveKeys() int64 {
	var n int64
	d.keys.Range(func(_, _ interface{}) bool {
		atomic.AddInt64(&n, 1)
		return true
	})
	return n
}

func maxFloat(a, b float64) float64 {
	if a > b {
		return a
	}
	return b
}
