package diskstats

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"
)

// ErrDuplicateDevice is returned when a device name appears twice in one capture.
var ErrDuplicateDevice = errors.New("duplicate device")

// Snapshot maps device names to their counters at one instant. It is treated
// as immutable once captured; helpers return new snapshots.
type Snapshot map[string]Record

// ParseError locates a malformed line within a diskstats capture.
type ParseError struct {
	Line int
	Err  error
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("diskstats line %d: %v", e.Line, e.Err)
}

func (e *ParseError) Unwrap() error {
	return e.Err
}

// Parse reads a complete diskstats capture. Blank lines are skipped; any
// malformed line fails the whole parse.
func Parse(r io.Reader) (Snapshot, error) {
	snapshot := make(Snapshot)
	scanner := bufio.NewScanner(r)
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		fields := strings.Fields(scanner.Text())
		if len(fields) == 0 {
			continue
		}
		name, rec, err := NewRecord(fields)
		if err != nil {
			return nil, &ParseError{Line: lineNo, Err: err}
		}
		if _, exists := snapshot[name]; exists {
			return nil, &ParseError{Line: lineNo, Err: fmt.Errorf("%w %q", ErrDuplicateDevice, name)}
		}
		snapshot[name] = rec
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("scan diskstats: %w", err)
	}
	return snapshot, nil
}

// Devices returns the device names in lexical order.
func (s Snapshot) Devices() []string {
	names := make([]string, 0, len(s))
	for name := range s {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Filter returns a snapshot containing only the devices accepted by keep.
// A nil keep function copies the snapshot.
func (s Snapshot) Filter(keep func(name string) bool) Snapshot {
	out := make(Snapshot, len(s))
	for name, rec := range s {
		if keep == nil || keep(name) {
			out[name] = rec
		}
	}
	return out
}

// Baseline returns a snapshot with the same devices and zeroed counters,
// i.e. the state at boot. Pairing it with a live capture and the system
// uptime yields the "since boot" report.
func (s Snapshot) Baseline() Snapshot {
	out := make(Snapshot, len(s))
	for name, rec := range s {
		out[name] = Record{Major: rec.Major, Minor: rec.Minor}
	}
	return out
}

// Regressions lists, in lexical order, devices present in both snapshots
// whose cumulative counters went backwards (wraparound, driver reset or a
// re-attached device reusing a name).
func Regressions(previous, current Snapshot) []string {
	var names []string
	for name, cur := range current {
		prev, ok := previous[name]
		if !ok {
			continue
		}
		if cur.regressedFrom(prev) {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	return names
}
