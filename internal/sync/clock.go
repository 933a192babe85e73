// ABOUTME: Estimates the primary's clock from ping/pong exchanges
// ABOUTME: Tracks offset and drift so secondaries can convert between clocks
package sync

import (
	"log"
	"sync"
	"time"
)

const (
	maxSampleRTT      = 100 * time.Millisecond
	degradedRTT       = 50 * time.Millisecond
	maxResidualMicros = 50000
	lostAfter         = 5 * time.Second
)

// Quality describes how far the estimate can be trusted
type Quality int

const (
	QualityGood Quality = iota
	QualityDegraded
	QualityLost
)

func (q Quality) String() string {
	switch q {
	case QualityGood:
		return "good"
	case QualityDegraded:
		return "degraded"
	}
	return "lost"
}

// ClockSync maps local time onto a remote peer's clock. All values are Unix
// microseconds. Offset is remote minus local.
type ClockSync struct {
	// Debug logs every accepted sample
	Debug bool

	// Now is the local clock; tests replace it
	Now func() time.Time

	mu            sync.RWMutex
	offset        int64
	drift         float64
	rtt           int64
	quality       Quality
	lastSample    time.Time
	anchorMicros  int64
	samples       int
	smoothingRate float64
}

// NewClockSync creates an estimator that assumes both clocks agree until the
// first sample arrives
func NewClockSync() *ClockSync {
	return &ClockSync{
		Now:           time.Now,
		smoothingRate: 0.1,
		quality:       QualityLost,
	}
}

// AddSample folds in one exchange. t1 and t4 are local send and receive
// times, t2 and t3 the remote receive and send times. It reports whether the
// sample was used.
func (cs *ClockSync) AddSample(t1, t2, t3, t4 int64) bool {
	rtt, measured := offsetAndRTT(t1, t2, t3, t4)

	cs.mu.Lock()
	defer cs.mu.Unlock()

	cs.rtt = rtt
	if rtt < 0 || rtt > maxSampleRTT.Microseconds() {
		if cs.Debug {
			log.Printf("Clock sample dropped: rtt %dμs", rtt)
		}
		return false
	}

	switch cs.samples {
	case 0:
		cs.offset = measured
	case 1:
		if dt := float64(t4 - cs.anchorMicros); dt > 0 {
			cs.drift = float64(measured-cs.offset) / dt
		}
		cs.offset = measured
	default:
		dt := float64(t4 - cs.anchorMicros)
		if dt <= 0 {
			return false
		}
		predicted := cs.offset + int64(cs.drift*dt)
		residual := measured - predicted
		if residual > maxResidualMicros || residual < -maxResidualMicros {
			log.Printf("Clock sample dropped: residual %dμs, peer clock may have jumped", residual)
			return false
		}
		cs.offset = predicted + int64(cs.smoothingRate*float64(residual))
		cs.drift += cs.smoothingRate * float64(residual) / dt
	}

	cs.anchorMicros = t4
	cs.samples++
	cs.lastSample = cs.Now()
	if rtt < degradedRTT.Microseconds() {
		cs.quality = QualityGood
	} else {
		cs.quality = QualityDegraded
	}

	if cs.Debug {
		log.Printf("Clock sample #%d: offset=%dμs drift=%.9f rtt=%dμs", cs.samples, cs.offset, cs.drift, rtt)
	}
	return true
}

func offsetAndRTT(t1, t2, t3, t4 int64) (rtt, offset int64) {
	rtt = (t4 - t1) - (t3 - t2)
	offset = ((t2 - t1) + (t3 - t4)) / 2
	return
}

// Synced reports whether at least one sample has been accepted
func (cs *ClockSync) Synced() bool {
	cs.mu.RLock()
	defer cs.mu.RUnlock()
	return cs.samples > 0
}

// Stats returns the current offset, last round trip and quality
func (cs *ClockSync) Stats() (offset, rtt int64, quality Quality) {
	cs.mu.RLock()
	defer cs.mu.RUnlock()
	return cs.offset, cs.rtt, cs.quality
}

// CheckQuality marks the estimate lost when samples stop arriving
func (cs *ClockSync) CheckQuality() Quality {
	cs.mu.Lock()
	defer cs.mu.Unlock()

	if cs.samples > 0 && cs.Now().Sub(cs.lastSample) > lostAfter {
		cs.quality = QualityLost
	}
	return cs.quality
}

// RemoteMicros converts a local Unix microsecond time to the peer's clock
func (cs *ClockSync) RemoteMicros(local int64) int64 {
	cs.mu.RLock()
	defer cs.mu.RUnlock()

	if cs.samples == 0 {
		return local
	}
	return local + cs.offset + int64(cs.drift*float64(local-cs.anchorMicros))
}

// RemoteNow returns the peer's clock right now
func (cs *ClockSync) RemoteNow() time.Time {
	return time.UnixMicro(cs.RemoteMicros(cs.Now().UnixMicro()))
}

// LocalTime converts a time on the peer's clock to local time
func (cs *ClockSync) LocalTime(remote time.Time) time.Time {
	cs.mu.RLock()
	defer cs.mu.RUnlock()

	micros := remote.UnixMicro()
	if cs.samples == 0 {
		return remote
	}
	// remote = local*(1+drift) + offset - drift*anchor
	local := (float64(micros) - float64(cs.offset) + cs.drift*float64(cs.anchorMicros)) / (1 + cs.drift)
	return time.UnixMicro(int64(local))
}

// Reset forgets every sample. Used when the upstream peer changes.
func (cs *ClockSync) Reset() {
	cs.mu.Lock()
	defer cs.mu.Unlock()

	cs.offset = 0
	cs.drift = 0
	cs.rtt = 0
	cs.samples = 0
	cs.anchorMicros = 0
	cs.quality = QualityLost
}
