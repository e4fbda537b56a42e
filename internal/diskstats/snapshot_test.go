package diskstats

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"reflect"
	"strconv"
	"strings"
	"testing"
)

func TestFileSourceParsesKernelLayouts(t *testing.T) {
	t.Parallel()

	src := FileSource{Path: filepath.Join("testdata", "diskstats")}
	snapshot, err := src.Read(context.Background())
	if err != nil {
		t.Fatalf("Read returned error: %v", err)
	}

	wantDevices := []string{"loop0", "nvme0n1", "sda", "sda1"}
	if got := snapshot.Devices(); !reflect.DeepEqual(got, wantDevices) {
		t.Fatalf("Devices() = %v, want %v", got, wantDevices)
	}

	sda := snapshot["sda"]
	want := Record{
		Major:             8,
		Minor:             0,
		ReadRequests:      4573,
		ReadMerged:        1323,
		ReadSectors:       345266,
		MsecRead:          2373,
		WriteRequests:     11267,
		WriteMerged:       6953,
		WriteSectors:      383704,
		MsecWrite:         7474,
		IOsInProgress:     0,
		MsecTotal:         6240,
		MsecWeightedTotal: 10540,
	}
	if sda != want {
		t.Fatalf("unexpected sda record:\n got %+v\nwant %+v", sda, want)
	}

	if nvme := snapshot["nvme0n1"]; nvme.Major != 259 || nvme.IOsInProgress != 2 || nvme.MsecWeightedTotal != 418576 {
		t.Fatalf("unexpected nvme0n1 record %+v", nvme)
	}
	if loop := snapshot["loop0"]; loop.MsecTotal != 40 || loop.MsecWeightedTotal != 12 {
		t.Fatalf("unexpected loop0 record %+v", loop)
	}
}

func TestFileSourceMissingFile(t *testing.T) {
	t.Parallel()

	src := FileSource{Path: filepath.Join(t.TempDir(), "diskstats")}
	if _, err := src.Read(context.Background()); !errors.Is(err, os.ErrNotExist) {
		t.Fatalf("expected not-exist error, got %v", err)
	}
}

func TestNewRecordRejectsFieldCounts(t *testing.T) {
	t.Parallel()

	for _, count := range []int{0, 3, 13, 15, 17, 19, 21} {
		fields := make([]string, count)
		for i := range fields {
			fields[i] = "1"
		}
		if count > 2 {
			fields[2] = "sda"
		}
		_, _, err := NewRecord(fields)
		var countErr *FieldCountError
		if !errors.As(err, &countErr) {
			t.Fatalf("count %d: expected FieldCountError, got %v", count, err)
		}
		if countErr.Count != count {
			t.Fatalf("count %d: error reports %d", count, countErr.Count)
		}
	}
}

func TestNewRecordRejectsBadFields(t *testing.T) {
	t.Parallel()

	testCases := []struct {
		name  string
		line  string
		field string
	}{
		{"NonNumericMajor", "x 0 sda 1 2 3 4 5 6 7 8 0 9 10", "major"},
		{"NegativeCounter", "8 0 sda 1 2 -3 4 5 6 7 8 0 9 10", "read_sectors"},
		{"FloatCounter", "8 0 sda 1 2 3 4.5 5 6 7 8 0 9 10", "msec_read"},
		{"GarbageWeighted", "8 0 sda 1 2 3 4 5 6 7 8 0 9 ten", "msec_weighted_total"},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			_, _, err := NewRecord(strings.Fields(tc.line))
			var fieldErr *FieldError
			if !errors.As(err, &fieldErr) {
				t.Fatalf("expected FieldError, got %v", err)
			}
			if fieldErr.Field != tc.field {
				t.Fatalf("expected field %q, got %q", tc.field, fieldErr.Field)
			}
		})
	}
}

func TestParseReportsLineNumbers(t *testing.T) {
	t.Parallel()

	input := "8 0 sda 1 2 3 4 5 6 7 8 0 9 10\n\n8 1 sda1 1 2 3\n"
	_, err := Parse(strings.NewReader(input))

	var parseErr *ParseError
	if !errors.As(err, &parseErr) {
		t.Fatalf("expected ParseError, got %v", err)
	}
	if parseErr.Line != 3 {
		t.Fatalf("expected line 3, got %d", parseErr.Line)
	}
	var countErr *FieldCountError
	if !errors.As(err, &countErr) {
		t.Fatalf("expected wrapped FieldCountError, got %v", err)
	}
}

func TestParseRejectsDuplicateDevices(t *testing.T) {
	t.Parallel()

	input := "8 0 sda 1 2 3 4 5 6 7 8 0 9 10\n8 16 sda 1 2 3 4 5 6 7 8 0 9 10\n"
	if _, err := Parse(strings.NewReader(input)); !errors.Is(err, ErrDuplicateDevice) {
		t.Fatalf("expected ErrDuplicateDevice, got %v", err)
	}
}

func TestRecordValidate(t *testing.T) {
	t.Parallel()

	if err := (Record{ReadRequests: 1, MsecTotal: 2}).Validate(); err != nil {
		t.Fatalf("valid record rejected: %v", err)
	}

	var fieldErr *FieldError
	err := (Record{WriteSectors: -1}).Validate()
	if !errors.As(err, &fieldErr) || fieldErr.Field != "write_sectors" {
		t.Fatalf("expected write_sectors error, got %v", err)
	}

	inf, _ := strconv.ParseFloat("+Inf", 64)
	err = (Record{MsecTotal: inf}).Validate()
	if !errors.As(err, &fieldErr) || fieldErr.Field != "msec_total" {
		t.Fatalf("expected msec_total error, got %v", err)
	}
}

func TestSnapshotFilterAndBaseline(t *testing.T) {
	t.Parallel()

	snapshot := Snapshot{
		"sda":  {Major: 8, Minor: 0, ReadRequests: 10, MsecTotal: 5},
		"sda1": {Major: 8, Minor: 1, ReadRequests: 4},
	}

	filtered := snapshot.Filter(func(name string) bool { return name == "sda" })
	if len(filtered) != 1 || filtered["sda"].ReadRequests != 10 {
		t.Fatalf("unexpected filtered snapshot %+v", filtered)
	}
	if len(snapshot) != 2 {
		t.Fatalf("Filter mutated its receiver")
	}

	base := snapshot.Baseline()
	if got := base["sda"]; got != (Record{Major: 8, Minor: 0}) {
		t.Fatalf("baseline should keep identity and zero counters, got %+v", got)
	}
	if len(base) != len(snapshot) {
		t.Fatalf("baseline device count %d, want %d", len(base), len(snapshot))
	}
}

func TestRegressions(t *testing.T) {
	t.Parallel()

	previous := Snapshot{
		"sda": {ReadRequests: 100, MsecTotal: 50, IOsInProgress: 4},
		"sdb": {WriteSectors: 1000},
		"sdc": {ReadRequests: 5},
	}
	current := Snapshot{
		"sda": {ReadRequests: 120, MsecTotal: 60, IOsInProgress: 0},
		"sdb": {WriteSectors: 12},
		"sdd": {ReadRequests: 1},
	}

	got := Regressions(previous, current)
	if want := []string{"sdb"}; !reflect.DeepEqual(got, want) {
		t.Fatalf("Regressions() = %v, want %v", got, want)
	}
}
