//go:build !linux && !darwin

package diskstats

import (
	"fmt"
	"runtime"
)

// NewSystemSource reports that no counter interface is known for this OS.
func NewSystemSource(string) (Source, error) {
	return nil, fmt.Errorf("block device counters are not supported on %s", runtime.GOOS)
}
