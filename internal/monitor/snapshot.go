// ABOUTME: Network status snapshot streamed to monitor clients
// ABOUTME: Collects topology, clock and playback state into one JSON document
package monitor

import (
	"time"

	"github.com/decibel/scoreplayer-go/pkg/player"
	"github.com/decibel/scoreplayer-go/pkg/topology"
)

// AvailableServer is a primary seen on the network
type AvailableServer struct {
	Name     string   `json:"name"`
	Address  string   `json:"address"`
	Version  int32    `json:"version"`
	Clients  []string `json:"clients,omitempty"`
	Scores   []string `json:"scores,omitempty"`
	LastSeen string   `json:"lastSeen"`
}

// Clock describes the estimate of the primary's clock
type Clock struct {
	Synced   bool   `json:"synced"`
	OffsetUs int64  `json:"offsetUs"`
	RTTUs    int64  `json:"rttUs"`
	Quality  string `json:"quality"`
}

// Snapshot is one status document
type Snapshot struct {
	Time       time.Time         `json:"time"`
	Device     string            `json:"device"`
	Role       string            `json:"role"`
	Name       string            `json:"name"`
	Advertised string            `json:"advertised,omitempty"`
	Port       int               `json:"port"`
	Generation uint64            `json:"generation"`
	Clients    []string          `json:"clients,omitempty"`
	Upstream   string            `json:"upstream,omitempty"`
	Roster     []string          `json:"roster,omitempty"`
	Scores     []string          `json:"scores,omitempty"`
	Available  []AvailableServer `json:"available,omitempty"`
	Clock      *Clock            `json:"clock,omitempty"`
	Playback   player.Status     `json:"playback"`
}

// Collect builds a snapshot from a core and its topology server. srv may
// be nil for a device outside any session.
func Collect(device string, core *player.Core, srv *topology.Server) Snapshot {
	snap := Snapshot{
		Time:     time.Now(),
		Device:   device,
		Role:     topology.RoleStandalone.String(),
		Scores:   core.ScoreList(),
		Playback: core.Status(),
	}
	if srv == nil {
		return snap
	}

	st := srv.Status()
	snap.Role = st.Role.String()
	snap.Name = st.Name
	snap.Advertised = st.Advertised
	snap.Port = st.Port
	snap.Generation = st.Generation
	snap.Clients = st.Clients
	snap.Upstream = st.Upstream
	snap.Roster = srv.Roster()

	for _, a := range srv.AvailableServers() {
		snap.Available = append(snap.Available, AvailableServer{
			Name:     a.Name,
			Address:  a.Address(),
			Version:  a.ProtocolVersion,
			Clients:  a.Clients,
			Scores:   a.Scores,
			LastSeen: a.LastSeen.Format(time.RFC3339),
		})
	}

	if st.Role == topology.RoleSecondary {
		offset, rtt, quality := srv.Clock().Stats()
		snap.Clock = &Clock{
			Synced:   srv.Clock().Synced(),
			OffsetUs: offset,
			RTTUs:    rtt,
			Quality:  quality.String(),
		}
	}
	return snap
}
