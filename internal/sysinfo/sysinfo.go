// Package sysinfo discovers host constants used to interpret block-device
// counters: clock ticks, online CPUs and uptime.
package sysinfo

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"

	"github.com/tklauser/numcpus"
)

// DefaultClockTicks is assumed when the platform cannot report USER_HZ.
const DefaultClockTicks = 100

var errUptimeFormat = errors.New("unexpected uptime format")

// Info bundles host facts reported alongside device statistics.
type Info struct {
	Hostname      string  `json:"hostname"`
	OS            string  `json:"os"`
	Arch          string  `json:"arch"`
	CPUs          int     `json:"cpus"`
	ClockTicks    int64   `json:"clock_ticks"`
	UptimeSeconds float64 `json:"uptime_seconds"`
}

// OnlineCPUs returns the number of online CPUs, falling back to the Go
// runtime's view when the kernel interface is unavailable.
func OnlineCPUs() int {
	n, err := numcpus.GetOnline()
	if err != nil || n <= 0 {
		return runtime.NumCPU()
	}
	return n
}

// ReadUptime parses <procRoot>/uptime and returns seconds since boot and
// aggregate idle seconds.
func ReadUptime(procRoot string) (uptime float64, idle float64, err error) {
	if procRoot == "" {
		procRoot = "/proc"
	}
	data, err := os.ReadFile(filepath.Join(procRoot, "uptime"))
	if err != nil {
		return 0, 0, fmt.Errorf("read uptime: %w", err)
	}
	return parseUptime(string(data))
}

func parseUptime(text string) (float64, float64, error) {
	fields := strings.Fields(text)
	if len(fields) != 2 {
		return 0, 0, fmt.Errorf("%w: %d fields", errUptimeFormat, len(fields))
	}
	uptime, err := strconv.ParseFloat(fields[0], 64)
	if err != nil {
		return 0, 0, fmt.Errorf("parse uptime: %w", err)
	}
	idle, err := strconv.ParseFloat(fields[1], 64)
	if err != nil {
		return 0, 0, fmt.Errorf("parse idle time: %w", err)
	}
	if uptime < 0 || idle < 0 {
		return 0, 0, fmt.Errorf("%w: negative value", errUptimeFormat)
	}
	return uptime, idle, nil
}

// Discover collects host information. A missing uptime file is not fatal on
// platforms without procfs; the uptime is then reported as zero.
func Discover(procRoot string) (Info, error) {
	hostname, err := os.Hostname()
	if err != nil {
		return Info{}, fmt.Errorf("hostname: %w", err)
	}

	info := Info{
		Hostname:   hostname,
		OS:         runtime.GOOS,
		Arch:       runtime.GOARCH,
		CPUs:       OnlineCPUs(),
		ClockTicks: ClockTicks(),
	}

	uptime, _, err := ReadUptime(procRoot)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) && runtime.GOOS != "linux" {
			return info, nil
		}
		return info, err
	}
	info.UptimeSeconds = uptime
	return info, nil
}
