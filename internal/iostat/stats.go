// Package iostat turns two diskstats snapshots taken an interval apart into
// per-device rates, averages and utilisation in the manner of `iostat -x`.
package iostat

import (
	"errors"
	"fmt"
	"math"
	"sort"
	"strings"

	"github.com/skobkin/diskstat-web/internal/diskstats"
)

// sectorKB converts 512-byte sectors to kilobytes.
const sectorKB = 2

// ErrInvalidInterval is returned when the interval is not a finite positive number.
var ErrInvalidInterval = errors.New("interval must be finite and positive")

// ConsistencyError reports devices present in the current snapshot but absent
// from the previous one.
type ConsistencyError struct {
	Devices []string
}

func (e *ConsistencyError) Error() string {
	if len(e.Devices) == 1 {
		return fmt.Sprintf("device %q missing from previous snapshot", e.Devices[0])
	}
	return fmt.Sprintf("device %q missing from previous snapshot (%d devices: %s)",
		e.Devices[0], len(e.Devices), strings.Join(e.Devices, ", "))
}

// Stats is the derived record for one device over one interval. The first
// ten fields are raw deltas; the rest are rates (per second), averages and
// utilisation as a fraction of the interval.
type Stats struct {
	ReadRequests      float64 `json:"read_requests"`
	ReadMerged        float64 `json:"read_merged"`
	ReadSectors       float64 `json:"read_sectors"`
	MsecRead          float64 `json:"msec_read"`
	WriteRequests     float64 `json:"write_requests"`
	WriteMerged       float64 `json:"write_merged"`
	WriteSectors      float64 `json:"write_sectors"`
	MsecWrite         float64 `json:"msec_write"`
	MsecTotal         float64 `json:"msec_total"`
	MsecWeightedTotal float64 `json:"msec_weighted_total"`

	NrIOs    float64 `json:"nr_ios"`
	ReadKBs  float64 `json:"read_kBs"`
	WriteKBs float64 `json:"write_kBs"`
	ReadS    float64 `json:"read_s"`
	WriteS   float64 `json:"write_s"`
	RrqmS    float64 `json:"rrqm_s"`
	WrqmS    float64 `json:"wrqm_s"`
	Util     float64 `json:"util"`

	AvgReadKB    float64 `json:"avg_read_kB"`
	AvgWriteKB   float64 `json:"avg_write_kB"`
	AvgRequestSz float64 `json:"avg_request_sz"`
	AvgReadRt    float64 `json:"avg_read_rt"`
	AvgWriteRt   float64 `json:"avg_write_rt"`
	AvgQueueSz   float64 `json:"avg_queue_sz"`
}

// SafeDiv returns a/b, or 0 when b is zero.
func SafeDiv(a, b float64) float64 {
	if b == 0 {
		return 0
	}
	return a / b
}

// Generate derives per-device statistics from two snapshots captured itv
// seconds apart. Every device of current must exist in previous; otherwise no
// stats are produced and a *ConsistencyError lists the missing devices.
//
// Counters are subtracted as-is. Callers that need wraparound or reset
// handling should consult diskstats.Regressions first.
func Generate(previous, current diskstats.Snapshot, itv float64) (map[string]Stats, error) {
	if math.IsNaN(itv) || math.IsInf(itv, 0) || itv <= 0 {
		return nil, fmt.Errorf("%w: %v", ErrInvalidInterval, itv)
	}

	var missing []string
	for name := range current {
		if _, ok := previous[name]; !ok {
			missing = append(missing, name)
		}
	}
	if len(missing) > 0 {
		sort.Strings(missing)
		return nil, &ConsistencyError{Devices: missing}
	}

	out := make(map[string]Stats, len(current))
	for name, cur := range current {
		prev := previous[name]
		if err := cur.Validate(); err != nil {
			return nil, fmt.Errorf("device %s current: %w", name, err)
		}
		if err := prev.Validate(); err != nil {
			return nil, fmt.Errorf("device %s previous: %w", name, err)
		}
		out[name] = derive(prev, cur, itv)
	}
	return out, nil
}

func derive(prev, cur diskstats.Record, itv float64) Stats {
	s := Stats{
		ReadRequests:      cur.ReadRequests - prev.ReadRequests,
		ReadMerged:        cur.ReadMerged - prev.ReadMerged,
		ReadSectors:       cur.ReadSectors - prev.ReadSectors,
		MsecRead:          cur.MsecRead - prev.MsecRead,
		WriteRequests:     cur.WriteRequests - prev.WriteRequests,
		WriteMerged:       cur.WriteMerged - prev.WriteMerged,
		WriteSectors:      cur.WriteSectors - prev.WriteSectors,
		MsecWrite:         cur.MsecWrite - prev.MsecWrite,
		MsecTotal:         cur.MsecTotal - prev.MsecTotal,
		MsecWeightedTotal: cur.MsecWeightedTotal - prev.MsecWeightedTotal,
	}

	s.NrIOs = s.ReadRequests + s.WriteRequests
	s.ReadKBs = s.ReadSectors / (itv * sectorKB)
	s.WriteKBs = s.WriteSectors / (itv * sectorKB)
	s.ReadS = s.ReadRequests / itv
	s.WriteS = s.WriteRequests / itv
	s.RrqmS = s.ReadMerged / itv
	s.WrqmS = s.WriteMerged / itv
	s.Util = s.MsecTotal / (1000 * itv)

	s.AvgReadKB = sectorKB * SafeDiv(s.ReadSectors, s.ReadRequests)
	s.AvgWriteKB = sectorKB * SafeDiv(s.WriteSectors, s.WriteRequests)
	s.AvgRequestSz = sectorKB * SafeDiv(s.ReadKBs+s.WriteKBs, s.NrIOs/itv)
	s.AvgReadRt = SafeDiv(s.MsecRead, s.ReadRequests+s.ReadMerged)
	s.AvgWriteRt = SafeDiv(s.MsecWrite, s.WriteRequests+s.WriteMerged)
	s.AvgQueueSz = s.MsecWeightedTotal / (1000 * itv)

	return s
}
