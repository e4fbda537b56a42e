package procscan

import "time"

// Snapshot is a ranked list of processes by block I/O throughput.
type Snapshot struct {
	Timestamp       time.Time `json:"ts"`
	IntervalSeconds float64   `json:"interval_seconds"`
	Scanned         int       `json:"scanned"`
	Processes       []Process `json:"processes"`
}

// Process summarises storage I/O attributed to a process via /proc/<pid>/io.
// Rates are nil until the process was seen by two consecutive scans.
type Process struct {
	PID            int      `json:"pid"`
	UID            int      `json:"uid"`
	User           string   `json:"user"`
	Name           string   `json:"name"`
	Command        string   `json:"cmd"`
	ReadBytes      uint64   `json:"read_bytes"`
	WriteBytes     uint64   `json:"write_bytes"`
	ReadBytesPerS  *float64 `json:"read_bytes_per_s"`
	WriteBytesPerS *float64 `json:"write_bytes_per_s"`
}
