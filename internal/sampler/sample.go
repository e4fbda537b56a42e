package sampler

import (
	"sort"
	"time"

	"github.com/skobkin/diskstat-web/internal/iostat"
)

// Report is the derived statistics for every tracked device over one interval.
type Report struct {
	Timestamp       time.Time               `json:"ts"`
	IntervalSeconds float64                 `json:"interval_seconds"`
	Devices         map[string]iostat.Stats `json:"devices"`
}

// DeviceNames returns the report's device names in lexical order.
func (r Report) DeviceNames() []string {
	names := make([]string, 0, len(r.Devices))
	for name := range r.Devices {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Only returns a copy of the report restricted to the given devices. An
// empty list keeps every device.
func (r Report) Only(devices []string) Report {
	if len(devices) == 0 {
		return r
	}
	out := Report{
		Timestamp:       r.Timestamp,
		IntervalSeconds: r.IntervalSeconds,
		Devices:         make(map[string]iostat.Stats, len(devices)),
	}
	for _, name := range devices {
		if stats, ok := r.Devices[name]; ok {
			out.Devices[name] = stats
		}
	}
	return out
}

// Counters summarises how sampling intervals were resolved.
type Counters struct {
	Reports           uint64 `json:"reports"`
	BaselineResets    uint64 `json:"baseline_resets"`
	ConsistencyErrors uint64 `json:"consistency_errors"`
	ReadErrors        uint64 `json:"read_errors"`
	UnusableCaptures  uint64 `json:"unusable_captures"`
}
