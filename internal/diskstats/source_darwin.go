//go:build darwin

package diskstats

import (
	"context"
	"fmt"

	"github.com/lufia/iostat"
)

const sectorBytes = 512

// driveSource reads IOKit drive statistics. Merges, queue depth and busy
// time are not reported on macOS and stay zero.
type driveSource struct{}

// NewSystemSource returns the snapshot source for the running kernel. The
// proc root is ignored on macOS.
func NewSystemSource(string) (Source, error) {
	return driveSource{}, nil
}

func (driveSource) Read(ctx context.Context) (Snapshot, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	drives, err := iostat.ReadDriveStats()
	if err != nil {
		return nil, fmt.Errorf("read drive stats: %w", err)
	}

	snapshot := make(Snapshot, len(drives))
	for _, d := range drives {
		if d == nil || d.Name == "" {
			continue
		}
		if _, exists := snapshot[d.Name]; exists {
			return nil, fmt.Errorf("%w %q", ErrDuplicateDevice, d.Name)
		}
		snapshot[d.Name] = Record{
			ReadRequests:  float64(d.NumRead),
			ReadSectors:   float64(d.BytesRead) / sectorBytes,
			MsecRead:      float64(d.TotalReadTime.Milliseconds()),
			WriteRequests: float64(d.NumWrite),
			WriteSectors:  float64(d.BytesWritten) / sectorBytes,
			MsecWrite:     float64(d.TotalWriteTime.Milliseconds()),
		}
	}
	return snapshot, nil
}
