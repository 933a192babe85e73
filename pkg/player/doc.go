// Package player keeps every device in a session at the same place in the
// score.
//
// The primary drives the transport. Play, Pause, Reset and SeekTo change
// local state and are broadcast as /control messages. Secondaries apply
// them on receipt and tick locally between messages. Locations are
// extrapolated from an anchor (location, time) so ticks never accumulate
// error, and timestamped messages are moved forward by the time they spent
// in flight.
//
// A secondary that reconnects, or drifts from the primary's periodic
// /control/position heartbeat, calls AttemptSync. Only the reply to its
// latest request is honoured, and any transport change cancels a pending
// request.
//
// Renderers send application traffic with SendData. It is prefixed with
// /renderer and travels the same path as transport control, so ordering
// between the two is kept.
package player
