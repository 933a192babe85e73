// ABOUTME: Tests for clock offset and drift estimation
// ABOUTME: Uses synthetic ping/pong timestamps with known offsets
package sync

import (
	"sync"
	"testing"
	"time"
)

func TestOffsetAndRTT(t *testing.T) {
	tests := []struct {
		name           string
		t1, t2, t3, t4 int64
		wantRTT        int64
		wantOffset     int64
	}{
		{name: "clocks agree", t1: 1000, t2: 1500, t3: 1600, t4: 2100, wantRTT: 1000, wantOffset: 0},
		{name: "peer ahead", t1: 1000, t2: 11500, t3: 11600, t4: 2100, wantRTT: 1000, wantOffset: 10000},
		{name: "peer behind", t1: 50000, t2: 40500, t3: 40500, t4: 51000, wantRTT: 1000, wantOffset: -10000},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rtt, offset := offsetAndRTT(tt.t1, tt.t2, tt.t3, tt.t4)
			if rtt != tt.wantRTT {
				t.Errorf("rtt: got %d, want %d", rtt, tt.wantRTT)
			}
			if offset != tt.wantOffset {
				t.Errorf("offset: got %d, want %d", offset, tt.wantOffset)
			}
		})
	}
}

func TestFirstSampleSetsOffset(t *testing.T) {
	cs := NewClockSync()
	if cs.Synced() {
		t.Fatal("should not be synced before any sample")
	}
	if got := cs.RemoteMicros(12345); got != 12345 {
		t.Errorf("unsynced conversion should be identity, got %d", got)
	}

	// Peer is 2 seconds ahead, 4ms round trip
	if !cs.AddSample(1_000_000, 3_002_000, 3_002_000, 1_004_000) {
		t.Fatal("sample rejected")
	}

	offset, rtt, quality := cs.Stats()
	if offset != 2_000_000 || rtt != 4000 {
		t.Errorf("unexpected offset %d / rtt %d", offset, rtt)
	}
	if quality != QualityGood {
		t.Errorf("expected good quality, got %s", quality)
	}
	if got := cs.RemoteMicros(1_004_000); got != 3_004_000 {
		t.Errorf("RemoteMicros: got %d, want 3004000", got)
	}
}

func TestDriftTracking(t *testing.T) {
	cs := NewClockSync()

	// Peer clock runs 100ppm fast: offset grows by 100μs per second
	for i := int64(0); i < 20; i++ {
		local := 1_000_000 + i*1_000_000
		remote := local + 500_000 + i*100
		cs.AddSample(local-1000, remote, remote, local+1000)
	}

	// Ten seconds after the last sample the peer should be ~1ms further ahead
	last := int64(1_000_000 + 19*1_000_000 + 1000)
	later := last + 10_000_000
	predicted := cs.RemoteMicros(later) - later
	want := int64(500_000 + 19*100 + 1000)
	if diff := predicted - want; diff < -200 || diff > 200 {
		t.Errorf("predicted offset %d, want ~%d", predicted, want)
	}
}

func TestRejectsHighRTT(t *testing.T) {
	cs := NewClockSync()
	cs.AddSample(1_000_000, 1_000_500, 1_000_600, 1_001_000)

	if cs.AddSample(2_000_000, 2_000_500, 2_000_600, 2_250_000) {
		t.Error("sample with 250ms round trip should be dropped")
	}
	if cs.samples != 1 {
		t.Errorf("expected 1 sample, got %d", cs.samples)
	}
}

func TestQualityDegradesAndIsLost(t *testing.T) {
	now := time.Unix(1000, 0)
	cs := NewClockSync()
	cs.Now = func() time.Time { return now }

	cs.AddSample(1_000_000, 1_000_000, 1_000_000, 1_080_000)
	if _, _, q := cs.Stats(); q != QualityDegraded {
		t.Errorf("expected degraded for 80ms rtt, got %s", q)
	}

	now = now.Add(6 * time.Second)
	if q := cs.CheckQuality(); q != QualityLost {
		t.Errorf("expected lost after silence, got %s", q)
	}
}

func TestLocalTimeInvertsRemote(t *testing.T) {
	cs := NewClockSync()
	cs.AddSample(1_000_000, 4_000_500, 4_000_500, 1_001_000)
	cs.AddSample(2_000_000, 5_000_600, 5_000_600, 2_001_000)

	local := time.UnixMicro(2_500_000)
	remote := time.UnixMicro(cs.RemoteMicros(local.UnixMicro()))
	back := cs.LocalTime(remote)
	if diff := back.Sub(local); diff > time.Microsecond*2 || diff < -time.Microsecond*2 {
		t.Errorf("round trip off by %v", diff)
	}
}

func TestReset(t *testing.T) {
	cs := NewClockSync()
	cs.AddSample(1_000_000, 3_000_000, 3_000_000, 1_000_100)
	cs.Reset()

	if cs.Synced() {
		t.Error("expected unsynced after reset")
	}
	if got := cs.RemoteMicros(42); got != 42 {
		t.Errorf("expected identity after reset, got %d", got)
	}
}

func TestConcurrentAccess(t *testing.T) {
	cs := NewClockSync()
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			for j := int64(0); j < 100; j++ {
				base := int64(i)*1_000_000 + j*1000
				cs.AddSample(base, base+10, base+20, base+500)
				cs.Stats()
				cs.CheckQuality()
				cs.RemoteNow()
			}
		}(i)
	}
	wg.Wait()

	if !cs.Synced() {
		t.Error("expected synced after concurrent samples")
	}
}
