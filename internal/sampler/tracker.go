package sampler

import (
	"errors"
	"fmt"
	"time"

	"github.com/skobkin/diskstat-web/internal/diskstats"
	"github.com/skobkin/diskstat-web/internal/iostat"
)

// Outcome describes what Tracker.Observe did with a capture.
type Outcome int

const (
	// OutcomeBaseline means the capture became the first baseline.
	OutcomeBaseline Outcome = iota
	// OutcomeReport means a report was produced.
	OutcomeReport
	// OutcomeCounterReset means counters went backwards; the baseline was reset.
	OutcomeCounterReset
	// OutcomeDeviceChange means a device appeared; the baseline was reset.
	OutcomeDeviceChange
	// OutcomeInvalid means the capture could not be used; the baseline was reset.
	OutcomeInvalid
)

func (o Outcome) String() string {
	switch o {
	case OutcomeBaseline:
		return "baseline"
	case OutcomeReport:
		return "report"
	case OutcomeCounterReset:
		return "counter_reset"
	case OutcomeDeviceChange:
		return "device_change"
	case OutcomeInvalid:
		return "invalid"
	default:
		return fmt.Sprintf("outcome(%d)", int(o))
	}
}

// Tracker keeps the previous snapshot and turns each new capture into a
// Report. It is not safe for concurrent use.
type Tracker struct {
	keep func(name string) bool

	baseline   diskstats.Snapshot
	baselineAt time.Time
}

// NewTracker returns a Tracker that reports only devices accepted by keep.
// A nil keep accepts every device.
func NewTracker(keep func(name string) bool) *Tracker {
	return &Tracker{keep: keep}
}

// Prime sets the baseline explicitly, e.g. to an all-zero snapshot at boot
// time to obtain a since-boot report from the next capture.
func (t *Tracker) Prime(snapshot diskstats.Snapshot, at time.Time) {
	t.baseline = snapshot.Filter(t.keep)
	t.baselineAt = at
}

// Baseline returns the current baseline snapshot and its capture time.
func (t *Tracker) Baseline() (diskstats.Snapshot, time.Time) {
	return t.baseline, t.baselineAt
}

// Observe consumes a capture taken at the given instant. Whatever the
// outcome, the capture becomes the new baseline. Counter regressions and
// new devices reset the baseline and skip the interval; the returned error
// then carries the details.
func (t *Tracker) Observe(snapshot diskstats.Snapshot, at time.Time) (Report, Outcome, error) {
	current := snapshot.Filter(t.keep)
	previous, previousAt := t.baseline, t.baselineAt
	t.baseline, t.baselineAt = current, at

	if previous == nil {
		return Report{}, OutcomeBaseline, nil
	}

	if regressed := diskstats.Regressions(previous, current); len(regressed) > 0 {
		return Report{}, OutcomeCounterReset, &CounterResetError{Devices: regressed}
	}

	itv := at.Sub(previousAt).Seconds()
	stats, err := iostat.Generate(previous, current, itv)
	if err != nil {
		var consistencyErr *iostat.ConsistencyError
		if errors.As(err, &consistencyErr) {
			return Report{}, OutcomeDeviceChange, err
		}
		return Report{}, OutcomeInvalid, err
	}

	return Report{Timestamp: at, IntervalSeconds: itv, Devices: stats}, OutcomeReport, nil
}

// CounterResetError lists devices whose cumulative counters went backwards.
type CounterResetError struct {
	Devices []string
}

func (e *CounterResetError) Error() string {
	return fmt.Sprintf("counters went backwards for %v", e.Devices)
}
