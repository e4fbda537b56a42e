// Package diskstats models cumulative block-device counters as exposed by the
// kernel in /proc/diskstats and provides strict readers for them.
package diskstats

import (
	"errors"
	"fmt"
	"math"
	"strconv"
)

// Accepted line widths: classic layout, with discard counters (4.18+) and
// with flush counters (5.5+). Only the first 14 fields are kept.
const (
	fieldsClassic = 14
	fieldsDiscard = 18
	fieldsFlush   = 20
)

// Positional names of the leading 14 fields.
var fieldNames = [fieldsClassic]string{
	"major",
	"minor",
	"name",
	"read_requests",
	"read_merged",
	"read_sectors",
	"msec_read",
	"write_requests",
	"write_merged",
	"write_sectors",
	"msec_write",
	"ios_in_progress",
	"msec_total",
	"msec_weighted_total",
}

// Record holds one device's cumulative counters since boot or attach.
// All counters except IOsInProgress are monotonically non-decreasing over
// the device lifetime; IOsInProgress is an instantaneous gauge.
type Record struct {
	Major             uint32  `json:"major"`
	Minor             uint32  `json:"minor"`
	ReadRequests      float64 `json:"read_requests"`
	ReadMerged        float64 `json:"read_merged"`
	ReadSectors       float64 `json:"read_sectors"`
	MsecRead          float64 `json:"msec_read"`
	WriteRequests     float64 `json:"write_requests"`
	WriteMerged       float64 `json:"write_merged"`
	WriteSectors      float64 `json:"write_sectors"`
	MsecWrite         float64 `json:"msec_write"`
	IOsInProgress     float64 `json:"ios_in_progress"`
	MsecTotal         float64 `json:"msec_total"`
	MsecWeightedTotal float64 `json:"msec_weighted_total"`
}

// FieldCountError reports a diskstats line whose width matches none of the
// kernel layouts.
type FieldCountError struct {
	Count int
}

func (e *FieldCountError) Error() string {
	return fmt.Sprintf("unexpected field count %d (want %d, %d or %d)", e.Count, fieldsClassic, fieldsDiscard, fieldsFlush)
}

// FieldError reports a single field that failed validation.
type FieldError struct {
	Field string
	Value string
	Err   error
}

func (e *FieldError) Error() string {
	return fmt.Sprintf("field %s=%q: %v", e.Field, e.Value, e.Err)
}

func (e *FieldError) Unwrap() error {
	return e.Err
}

var (
	errNegative  = errors.New("negative counter")
	errNotFinite = errors.New("counter is not finite")
	errEmptyName = errors.New("empty device name")
)

// NewRecord builds a Record from the whitespace-separated fields of one
// diskstats line and returns the device name alongside it.
func NewRecord(fields []string) (string, Record, error) {
	switch len(fields) {
	case fieldsClassic, fieldsDiscard, fieldsFlush:
	default:
		return "", Record{}, &FieldCountError{Count: len(fields)}
	}

	var rec Record

	major, err := strconv.ParseUint(fields[0], 10, 32)
	if err != nil {
		return "", Record{}, &FieldError{Field: fieldNames[0], Value: fields[0], Err: err}
	}
	minor, err := strconv.ParseUint(fields[1], 10, 32)
	if err != nil {
		return "", Record{}, &FieldError{Field: fieldNames[1], Value: fields[1], Err: err}
	}
	rec.Major = uint32(major)
	rec.Minor = uint32(minor)

	name := fields[2]
	if name == "" {
		return "", Record{}, &FieldError{Field: fieldNames[2], Value: name, Err: errEmptyName}
	}

	counters := [...]*float64{
		&rec.ReadRequests,
		&rec.ReadMerged,
		&rec.ReadSectors,
		&rec.MsecRead,
		&rec.WriteRequests,
		&rec.WriteMerged,
		&rec.WriteSectors,
		&rec.MsecWrite,
		&rec.IOsInProgress,
		&rec.MsecTotal,
		&rec.MsecWeightedTotal,
	}
	for i, dst := range counters {
		idx := i + 3
		value, err := strconv.ParseUint(fields[idx], 10, 64)
		if err != nil {
			return "", Record{}, &FieldError{Field: fieldNames[idx], Value: fields[idx], Err: err}
		}
		*dst = float64(value)
	}

	return name, rec, nil
}

// Validate checks that every counter is a finite, non-negative number.
func (r Record) Validate() error {
	values := [...]float64{
		r.ReadRequests,
		r.ReadMerged,
		r.ReadSectors,
		r.MsecRead,
		r.WriteRequests,
		r.WriteMerged,
		r.WriteSectors,
		r.MsecWrite,
		r.IOsInProgress,
		r.MsecTotal,
		r.MsecWeightedTotal,
	}
	for i, value := range values {
		name := fieldNames[i+3]
		if math.IsNaN(value) || math.IsInf(value, 0) {
			return &FieldError{Field: name, Value: strconv.FormatFloat(value, 'g', -1, 64), Err: errNotFinite}
		}
		if value < 0 {
			return &FieldError{Field: name, Value: strconv.FormatFloat(value, 'g', -1, 64), Err: errNegative}
		}
	}
	return nil
}

// regressedFrom reports whether any cumulative counter is lower than in prev.
func (r Record) regressedFrom(prev Record) bool {
	return r.ReadRequests < prev.ReadRequests ||
		r.ReadMerged < prev.ReadMerged ||
		r.ReadSectors < prev.ReadSectors ||
		r.MsecRead < prev.MsecRead ||
		r.WriteRequests < prev.WriteRequests ||
		r.WriteMerged < prev.WriteMerged ||
		r.WriteSectors < prev.WriteSectors ||
		r.MsecWrite < prev.MsecWrite ||
		r.MsecTotal < prev.MsecTotal ||
		r.MsecWeightedTotal < prev.MsecWeightedTotal
}
