package diskstats

import (
	"context"
	"fmt"
	"os"
)

// Source produces snapshots on demand.
type Source interface {
	Read(ctx context.Context) (Snapshot, error)
}

// FileSource reads snapshots from a diskstats-formatted file.
type FileSource struct {
	Path string
}

// Read opens and strictly parses the file.
func (s FileSource) Read(ctx context.Context) (Snapshot, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	f, err := os.Open(s.Path)
	if err != nil {
		return nil, fmt.Errorf("open diskstats: %w", err)
	}
	defer f.Close()

	snapshot, err := Parse(f)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", s.Path, err)
	}
	return snapshot, nil
}
