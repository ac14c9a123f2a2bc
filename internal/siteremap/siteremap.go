// Package siteremap implements the optional lane-number/camera-id
// substitution applied at a "special site" — an intersection whose
// physical lane layout differs from the upstream detector's numbering.
package siteremap

import "github.com/route-beacon/edge-ingester/internal/record"

// Direction is one of the three turn-type-derived remap groups.
type Direction string

const (
	Straight Direction = "straight"
	Left     Direction = "left"
	Right    Direction = "right"
)

// turnDirection maps the incoming turn_type_cd to its remap direction.
// Codes outside this set do not participate in remap.
var turnDirection = map[int64]Direction{
	11: Straight,
	21: Left,
	31: Right,
}

// Group names one direction's camera substitution and its ordered list
// of real lane numbers.
type Group struct {
	CamID string
	Lanes []int
}

// Remapper holds the per-direction groups for one special site.
type Remapper struct {
	groups map[Direction]Group
}

// New builds a Remapper from the three configured direction groups.
// A missing direction simply never matches.
func New(groups map[Direction]Group) *Remapper {
	cp := make(map[Direction]Group, len(groups))
	for d, g := range groups {
		cp[d] = Group{CamID: g.CamID, Lanes: append([]int(nil), g.Lanes...)}
	}
	return &Remapper{groups: cp}
}

// groupIndex reduces an incoming 1-based lane number to a 0-based group
// index according to the fixed rule in spec §4.8.
func groupIndex(laneCount, lane int) int {
	switch laneCount {
	case 1:
		return 0
	case 2:
		if lane <= 2 {
			return 0
		}
		return 1
	case 3:
		switch {
		case lane <= 2:
			return 0
		case lane == 3:
			return 1
		default:
			return 2
		}
	default:
		return lane - 1
	}
}

// Apply returns the remapped camera id and lane number for turnTypeCd
// and lane, and whether remap applies at all (turnTypeCd must be one of
// {11,21,31} and the direction must be configured).
func (r *Remapper) Apply(turnTypeCd int64, lane int) (camID string, remappedLane int, ok bool) {
	dir, known := turnDirection[turnTypeCd]
	if !known {
		return "", 0, false
	}
	g, known := r.groups[dir]
	if !known || len(g.Lanes) == 0 {
		return "", 0, false
	}
	idx := groupIndex(len(g.Lanes), lane)
	if idx < 0 || idx >= len(g.Lanes) {
		idx = len(g.Lanes) - 1
	}
	return g.CamID, g.Lanes[idx], true
}

// ApplyToRecord overwrites cam_id and lane on a clone of rec if remap
// applies; returns the original rec unchanged (ok=false) otherwise.
func (r *Remapper) ApplyToRecord(rec *record.Record, turnTypeCdKey, laneKey, camIDKey string) (*record.Record, bool) {
	turnTypeCd := rec.GetInt(turnTypeCdKey)
	lane := int(rec.GetInt(laneKey))
	camID, remappedLane, ok := r.Apply(turnTypeCd, lane)
	if !ok {
		return rec, false
	}
	out := rec.Clone()
	out.SetString(camIDKey, camID)
	out.SetInt(laneKey, int64(remappedLane))
	return out, true
}
