//go:build linux || darwin || freebsd || netbsd || openbsd || dragonfly || solaris

package sysinfo

import "github.com/tklauser/go-sysconf"

// ClockTicks returns the kernel's USER_HZ, or DefaultClockTicks when it
// cannot be determined.
func ClockTicks() int64 {
	ticks, err := sysconf.Sysconf(sysconf.SC_CLK_TCK)
	if err != nil || ticks <= 0 {
		return DefaultClockTicks
	}
	return ticks
}
