package iostat

import (
	"errors"
	"math"
	"reflect"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"

	"github.com/skobkin/diskstat-web/internal/diskstats"
)

func scenarioSnapshots() (diskstats.Snapshot, diskstats.Snapshot) {
	previous := diskstats.Snapshot{
		"sda": {
			Major:             8,
			ReadRequests:      100,
			ReadMerged:        10,
			ReadSectors:       2000,
			MsecRead:          500,
			WriteRequests:     50,
			WriteMerged:       5,
			WriteSectors:      1000,
			MsecWrite:         300,
			IOsInProgress:     0,
			MsecTotal:         800,
			MsecWeightedTotal: 900,
		},
	}
	current := diskstats.Snapshot{
		"sda": {
			Major:             8,
			ReadRequests:      150,
			ReadMerged:        10,
			ReadSectors:       3000,
			MsecRead:          700,
			WriteRequests:     80,
			WriteMerged:       5,
			WriteSectors:      1800,
			MsecWrite:         500,
			IOsInProgress:     0,
			MsecTotal:         1200,
			MsecWeightedTotal: 1400,
		},
	}
	return previous, current
}

func TestGenerateBusyDevice(t *testing.T) {
	t.Parallel()

	previous, current := scenarioSnapshots()
	got, err := Generate(previous, current, 5)
	if err != nil {
		t.Fatalf("Generate returned error: %v", err)
	}

	want := Stats{
		ReadRequests:      50,
		ReadMerged:        0,
		ReadSectors:       1000,
		MsecRead:          200,
		WriteRequests:     30,
		WriteMerged:       0,
		WriteSectors:      800,
		MsecWrite:         200,
		MsecTotal:         400,
		MsecWeightedTotal: 500,
		NrIOs:             80,
		ReadKBs:           100,
		WriteKBs:          80,
		ReadS:             10,
		WriteS:            6,
		RrqmS:             0,
		WrqmS:             0,
		Util:              0.08,
		AvgReadKB:         40,
		AvgWriteKB:        2 * 800.0 / 30,
		AvgRequestSz:      2 * 180.0 / 16,
		AvgReadRt:         4,
		AvgWriteRt:        200.0 / 30,
		AvgQueueSz:        0.1,
	}

	if diff := cmp.Diff(map[string]Stats{"sda": want}, got, cmpopts.EquateApprox(0, 1e-9)); diff != "" {
		t.Fatalf("unexpected stats (-want +got):\n%s", diff)
	}

	// Request throughput expressed per second.
	if perSecond := got["sda"].NrIOs / 5; perSecond != 16 {
		t.Fatalf("expected 16 IO/s, got %v", perSecond)
	}
}

func TestGenerateUtilisationFromBusyTime(t *testing.T) {
	t.Parallel()

	previous := diskstats.Snapshot{"sda": {MsecTotal: 800}}
	current := diskstats.Snapshot{"sda": {MsecTotal: 2000}}

	got, err := Generate(previous, current, 5)
	if err != nil {
		t.Fatalf("Generate returned error: %v", err)
	}
	assertFloatEqual(t, "util", got["sda"].Util, 0.24)

	// Deeply queued devices may report more busy time than wall time.
	current["sda"] = diskstats.Record{MsecTotal: 800 + 7500}
	got, err = Generate(previous, current, 5)
	if err != nil {
		t.Fatalf("Generate returned error: %v", err)
	}
	assertFloatEqual(t, "util", got["sda"].Util, 1.5)
}

func TestGenerateIdleDevice(t *testing.T) {
	t.Parallel()

	idle := diskstats.Record{ReadRequests: 42, ReadMerged: 3, ReadSectors: 640, MsecRead: 17, WriteRequests: 9, WriteSectors: 72}
	previous := diskstats.Snapshot{"sdb": idle}
	current := diskstats.Snapshot{"sdb": idle}

	got, err := Generate(previous, current, 2)
	if err != nil {
		t.Fatalf("Generate returned error: %v", err)
	}
	if got["sdb"] != (Stats{}) {
		t.Fatalf("expected all-zero stats for idle device, got %+v", got["sdb"])
	}
}

func TestGenerateMissingDeviceIsAllOrNothing(t *testing.T) {
	t.Parallel()

	previous, current := scenarioSnapshots()
	current["sdz"] = diskstats.Record{ReadRequests: 1}
	current["sdc"] = diskstats.Record{ReadRequests: 1}

	got, err := Generate(previous, current, 5)
	if got != nil {
		t.Fatalf("expected no stats on consistency failure, got %v", got)
	}

	var consistencyErr *ConsistencyError
	if !errors.As(err, &consistencyErr) {
		t.Fatalf("expected ConsistencyError, got %v", err)
	}
	if want := []string{"sdc", "sdz"}; !reflect.DeepEqual(consistencyErr.Devices, want) {
		t.Fatalf("missing devices = %v, want %v", consistencyErr.Devices, want)
	}
}

func TestGenerateIgnoresDevicesGoneFromCurrent(t *testing.T) {
	t.Parallel()

	previous, current := scenarioSnapshots()
	previous["sdq"] = diskstats.Record{ReadRequests: 1}

	got, err := Generate(previous, current, 5)
	if err != nil {
		t.Fatalf("Generate returned error: %v", err)
	}
	if _, ok := got["sdq"]; ok || len(got) != 1 {
		t.Fatalf("expected only current devices, got %v", got)
	}
}

func TestGenerateRejectsInvalidInterval(t *testing.T) {
	t.Parallel()

	previous, current := scenarioSnapshots()
	for _, itv := range []float64{0, -1, math.NaN(), math.Inf(1)} {
		if _, err := Generate(previous, current, itv); !errors.Is(err, ErrInvalidInterval) {
			t.Fatalf("itv %v: expected ErrInvalidInterval, got %v", itv, err)
		}
	}
}

func TestGenerateRejectsMalformedRecords(t *testing.T) {
	t.Parallel()

	previous, current := scenarioSnapshots()
	current["sda"] = diskstats.Record{ReadRequests: math.NaN()}

	_, err := Generate(previous, current, 5)
	var fieldErr *diskstats.FieldError
	if !errors.As(err, &fieldErr) || fieldErr.Field != "read_requests" {
		t.Fatalf("expected read_requests field error, got %v", err)
	}
}

func TestGenerateIsDeterministic(t *testing.T) {
	t.Parallel()

	previous, current := scenarioSnapshots()
	previous["nvme0n1"] = diskstats.Record{ReadRequests: 10, WriteRequests: 7, MsecTotal: 3}
	current["nvme0n1"] = diskstats.Record{ReadRequests: 31, WriteRequests: 90, MsecTotal: 1003}

	first, err := Generate(previous, current, 1.7)
	if err != nil {
		t.Fatalf("Generate returned error: %v", err)
	}
	for i := 0; i < 10; i++ {
		again, err := Generate(previous, current, 1.7)
		if err != nil {
			t.Fatalf("Generate returned error: %v", err)
		}
		if !reflect.DeepEqual(first, again) {
			t.Fatalf("run %d differs: %v vs %v", i, first, again)
		}
	}
}

func TestNrIOsMatchesRequestRates(t *testing.T) {
	t.Parallel()

	previous := diskstats.Snapshot{
		"a": {ReadRequests: 1, WriteRequests: 2},
		"b": {ReadRequests: 1000, WriteRequests: 5000},
		"c": {},
	}
	current := diskstats.Snapshot{
		"a": {ReadRequests: 8, WriteRequests: 13},
		"b": {ReadRequests: 1777, WriteRequests: 90210},
		"c": {ReadRequests: 3},
	}

	for _, itv := range []float64{0.25, 1, 3.3, 60} {
		got, err := Generate(previous, current, itv)
		if err != nil {
			t.Fatalf("Generate returned error: %v", err)
		}
		for name, s := range got {
			assertFloatEqual(t, name+" nr_ios", s.NrIOs, s.ReadS*itv+s.WriteS*itv)
		}
	}
}

func TestAverageResponseTimeWithoutRequests(t *testing.T) {
	t.Parallel()

	previous := diskstats.Snapshot{"sda": {ReadRequests: 5, ReadMerged: 2, MsecRead: 10}}
	current := diskstats.Snapshot{"sda": {ReadRequests: 5, ReadMerged: 2, MsecRead: 10, WriteRequests: 4, WriteSectors: 8}}

	got, err := Generate(previous, current, 1)
	if err != nil {
		t.Fatalf("Generate returned error: %v", err)
	}
	s := got["sda"]
	if s.AvgReadRt != 0 || s.AvgReadKB != 0 {
		t.Fatalf("expected zero read averages, got rt=%v kB=%v", s.AvgReadRt, s.AvgReadKB)
	}
	assertFloatEqual(t, "avg_write_kB", s.AvgWriteKB, 4)
}

func TestSafeDiv(t *testing.T) {
	t.Parallel()

	for _, a := range []float64{0, 1, -3, 1e300} {
		if got := SafeDiv(a, 0); got != 0 {
			t.Fatalf("SafeDiv(%v, 0) = %v, want 0", a, got)
		}
	}
	if got := SafeDiv(9, 3); got != 3 {
		t.Fatalf("SafeDiv(9, 3) = %v, want 3", got)
	}
	if got := SafeDiv(1, 3); got != 1.0/3 {
		t.Fatalf("SafeDiv(1, 3) = %v", got)
	}
}

func TestConsistencyErrorMessage(t *testing.T) {
	t.Parallel()

	single := (&ConsistencyError{Devices: []string{"sdb"}}).Error()
	if single != `device "sdb" missing from previous snapshot` {
		t.Fatalf("unexpected message %q", single)
	}
	multi := (&ConsistencyError{Devices: []string{"sdb", "sdc"}}).Error()
	if multi != `device "sdb" missing from previous snapshot (2 devices: sdb, sdc)` {
		t.Fatalf("unexpected message %q", multi)
	}
}

func assertFloatEqual(t *testing.T, name string, got, want float64) {
	t.Helper()
	if math.Abs(got-want) > 1e-9 {
		t.Fatalf("%s = %v, want %v", name, got, want)
	}
}
