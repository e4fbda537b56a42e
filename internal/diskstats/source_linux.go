//go:build linux

package diskstats

import "path/filepath"

// NewSystemSource returns the snapshot source for the running kernel.
func NewSystemSource(procRoot string) (Source, error) {
	if procRoot == "" {
		procRoot = "/proc"
	}
	return FileSource{Path: filepath.Join(procRoot, "diskstats")}, nil
}
