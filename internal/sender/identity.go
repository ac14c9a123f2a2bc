package sender

import "sync/atomic"

// identity is the payload behind the one-shot camera-id/lane-offset
// promise: whichever sink adaptor discovers it first (RPC or
// columnar-DB adaptor) publishes it, and every later write is ignored.
type identity struct {
	CameraID   string
	LaneOffset int64
}

// CameraIdentity is a single-publish, lock-free promise. Writes race;
// the first one to land wins and all others are silently dropped.
// Reads never block.
type CameraIdentity struct {
	v atomic.Pointer[identity]
}

// Resolve attempts to publish cameraID/laneOffset. Returns true if
// this call was the one that won the race.
func (c *CameraIdentity) Resolve(cameraID string, laneOffset int64) bool {
	return c.v.CompareAndSwap(nil, &identity{CameraID: cameraID, LaneOffset: laneOffset})
}

// Get returns the published camera id and lane offset, and whether a
// value has been published yet.
func (c *CameraIdentity) Get() (cameraID string, laneOffset int64, known bool) {
	p := c.v.Load()
	if p == nil {
		return "", 0, false
	}
	return p.CameraID, p.LaneOffset, true
}
