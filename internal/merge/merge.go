// Package merge implements the windowed two-pointer temporal fusion of
// independent 2K and 4K vehicle detections into a single merged
// record, keyed by (lane, vehicle class).
package merge

import (
	"context"
	"fmt"
	"sort"
	"time"

	"go.uber.org/zap"

	"github.com/route-beacon/edge-ingester/internal/metrics"
	"github.com/route-beacon/edge-ingester/internal/record"
	"github.com/route-beacon/edge-ingester/internal/siteremap"
)

const (
	ageWindow   = 60 * time.Second
	matchWindow = 1 // seconds
	uTurnCode   = 41
)

type key struct {
	lane  int64
	class string
}

func keyOf(r *record.Record, laneField string) key {
	return key{lane: r.GetInt(laneField), class: r.Get("class")}
}

// Merger owns the compare_2k / compare_4k buffers exclusively; no
// other goroutine may read or write them.
type Merger struct {
	logger *zap.Logger
	remap  *siteremap.Remapper

	compare2K map[key][]*record.Record
	compare4K map[key][]*record.Record

	now func() time.Time
}

// New constructs a Merger. remap may be nil to disable site remap at
// match time.
func New(logger *zap.Logger, remap *siteremap.Remapper) *Merger {
	return &Merger{
		logger:    logger,
		remap:     remap,
		compare2K: make(map[key][]*record.Record),
		compare4K: make(map[key][]*record.Record),
		now:       time.Now,
	}
}

func stopPassTime(r *record.Record) int64 { return r.GetInt("stop_pass_time") }

// insert performs a binary-search insertion keeping each key's slice
// sorted ascending by stop_pass_time. U-turns never participate in
// fusion and are dropped silently.
func insert(buckets map[key][]*record.Record, r *record.Record, laneField string) {
	if r.GetInt("turn_type_cd") == uTurnCode {
		return
	}
	k := keyOf(r, laneField)
	list := buckets[k]
	t := stopPassTime(r)
	i := sort.Search(len(list), func(i int) bool { return stopPassTime(list[i]) >= t })
	list = append(list, nil)
	copy(list[i+1:], list[i:])
	list[i] = r
	buckets[k] = list
}

// ageOut drops entries older than ageWindow relative to now, using
// binary search on the (already time-sorted) slice.
func ageOut(buckets map[key][]*record.Record, now time.Time, metricSource string) {
	cutoff := now.Add(-ageWindow).Unix()
	for k, list := range buckets {
		i := sort.Search(len(list), func(i int) bool { return stopPassTime(list[i]) >= cutoff })
		if i > 0 {
			metrics.MergeAgedOutTotal.WithLabelValues(metricSource).Add(float64(i))
			list = append([]*record.Record(nil), list[i:]...)
		}
		if len(list) == 0 {
			delete(buckets, k)
		} else {
			buckets[k] = list
		}
	}
}

// mergedRecord builds the §3 "merged record": a clone of the 2K record
// re-tagged as data_type=merge with plate fields copied from the 4K
// match.
func mergedRecord(twoK, fourK *record.Record) *record.Record {
	m := twoK.Clone()
	m.DataType = record.TypeMerge
	m.SetString("car_id", twoK.Get("car_id_2k"))
	m.SetString("plate_num", fourK.Get("plate_num"))
	m.SetString("plate_detected", fourK.Get("plate_detected"))
	m.SetString("plate_image_file_name", fourK.Get("plate_image_file_name"))
	m.SetString("car_image_file_name", fourK.Get("car_image_file_name"))
	return m
}

// matchOne runs a two-pointer pass over one key's 2K/4K buffers,
// returning matched output records and the indices consumed from each
// side (to be deleted in descending order by the caller).
func (m *Merger) matchOne(k key, twoK, fourK []*record.Record) (out []*record.Record, i2 []int, i4 []int) {
	i, j := 0, 0
	for i < len(twoK) && j < len(fourK) {
		t2 := stopPassTime(twoK[i])
		t4 := stopPassTime(fourK[j])
		diff := t2 - t4
		switch {
		case abs64(diff) <= matchWindow:
			merged := mergedRecord(twoK[i], fourK[j])
			out = append(out, merged)
			if m.remap != nil {
				if variant, ok := m.remap.ApplyToRecord(merged, "turn_type_cd", "lane", "cam_id"); ok {
					out = append(out, variant)
				}
				if variant4K, ok := m.remap.ApplyToRecord(fourK[j], "turn_type_cd", "lane", "cam_id"); ok {
					out = append(out, variant4K)
				}
			}
			metrics.MergeMatchedTotal.WithLabelValues(fmt.Sprintf("%d", k.lane)).Inc()
			i2 = append(i2, i)
			i4 = append(i4, j)
			i++
			j++
		case diff < -matchWindow:
			i++
		default:
			j++
		}
	}
	return out, i2, i4
}

func abs64(v int64) int64 {
	if v < 0 {
		return -v
	}
	return v
}

func deleteIndices(list []*record.Record, idx []int) []*record.Record {
	sort.Sort(sort.Reverse(sort.IntSlice(idx)))
	for _, i := range idx {
		list = append(list[:i], list[i+1:]...)
	}
	return list
}

// runPass ages out stale entries and runs one matching pass per shared
// key, returning every record produced across all keys.
func (m *Merger) runPass() []*record.Record {
	now := m.now()
	ageOut(m.compare2K, now, "2k")
	ageOut(m.compare4K, now, "4k")

	var out []*record.Record
	for k, twoK := range m.compare2K {
		fourK, ok := m.compare4K[k]
		if !ok || len(fourK) == 0 || len(twoK) == 0 {
			continue
		}
		matched, i2, i4 := m.matchOne(k, twoK, fourK)
		if len(matched) == 0 {
			continue
		}
		out = append(out, matched...)
		remaining2K := deleteIndices(twoK, i2)
		remaining4K := deleteIndices(fourK, i4)
		if len(remaining2K) == 0 {
			delete(m.compare2K, k)
		} else {
			m.compare2K[k] = remaining2K
		}
		if len(remaining4K) == 0 {
			delete(m.compare4K, k)
		} else {
			m.compare4K[k] = remaining4K
		}
	}
	return out
}

// Run blocks on merge2KCh for one record, inserts it, then drains both
// input channels non-blockingly before running one matching pass. Any
// panic within a single iteration is recovered, logged, and the loop
// continues — merger state is never persisted across a crash.
func (m *Merger) Run(ctx context.Context, merge2KCh, merge4KCh <-chan *record.Record, serverCh chan<- *record.Record) {
	for {
		select {
		case <-ctx.Done():
			return
		case r, ok := <-merge2KCh:
			if !ok {
				return
			}
			m.safeStep(r, merge2KCh, merge4KCh, serverCh)
		}
	}
}

func (m *Merger) safeStep(first *record.Record, merge2KCh, merge4KCh <-chan *record.Record, serverCh chan<- *record.Record) {
	defer func() {
		if p := recover(); p != nil {
			m.logger.Error("merger: panic recovered in pass", zap.Any("panic", p))
		}
	}()

	insert(m.compare2K, first, "lane")

drain2K:
	for {
		select {
		case r := <-merge2KCh:
			insert(m.compare2K, r, "lane")
		default:
			break drain2K
		}
	}
drain4K:
	for {
		select {
		case r := <-merge4KCh:
			insert(m.compare4K, r, "lane")
		default:
			break drain4K
		}
	}

	for _, out := range m.runPass() {
		select {
		case serverCh <- out:
		default:
			m.logger.Warn("merger: server queue full, dropping merged record", zap.String("unique_key_plain", out.UniqueKeyPlain))
		}
	}
}
