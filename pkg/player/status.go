// ABOUTME: Read-only snapshot of the playback core for UIs and monitors
// ABOUTME: Playing locations are extrapolated at read time
package player

import (
	"math"
	"time"
)

// Status is a point-in-time copy of the playback state
type Status struct {
	State           State    `json:"-"`
	StateName       string   `json:"state"`
	Score           string   `json:"score,omitempty"`
	Loaded          bool     `json:"loaded"`
	Location        float64  `json:"location"`
	Progress        int      `json:"progress"`
	Subframe        int      `json:"subframe"`
	Duration        float64  `json:"duration"`
	FrameRate       float64  `json:"frameRate"`
	IsMaster        bool     `json:"isMaster"`
	AwaitingNetwork bool     `json:"awaitingNetwork"`
	Resyncing       bool     `json:"resyncing"`
	Roster          []string `json:"roster,omitempty"`
	SkippedTicks    uint64   `json:"skippedTicks"`

	anchorAt     time.Time
	subdivisions int
}

// Status returns the current playback state
func (c *Core) Status() Status {
	c.snapMu.RLock()
	st := c.snap
	c.snapMu.RUnlock()

	st.SkippedTicks = c.skipped.Load()
	if st.State == StatePlaying {
		loc := st.Location + c.now().Sub(st.anchorAt).Seconds()*st.FrameRate
		if st.Duration > 0 && loc > st.Duration {
			loc = st.Duration
		}
		st.Location = loc
	}
	whole := math.Floor(st.Location)
	st.Progress = int(whole)
	if st.subdivisions > 0 {
		st.Subframe = int((st.Location - whole) * float64(st.subdivisions))
		if st.Subframe >= st.subdivisions {
			st.Subframe = st.subdivisions - 1
		}
	}
	return st
}

// publish copies loop-owned state into the snapshot
func (c *Core) publish() {
	st := Status{
		State:           c.state,
		StateName:       c.state.String(),
		Score:           c.score.Name,
		Loaded:          c.loaded,
		Location:        c.anchorLoc,
		Duration:        c.score.Duration,
		FrameRate:       c.score.FrameRate,
		IsMaster:        c.isMaster,
		AwaitingNetwork: c.awaiting,
		Resyncing:       c.pendingReq != 0,
		Roster:          append([]string(nil), c.roster...),
		anchorAt:        c.anchorAt,
		subdivisions:    c.score.Subdivisions,
	}

	c.snapMu.Lock()
	c.snap = st
	c.snapMu.Unlock()
}
