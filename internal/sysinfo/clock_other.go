//go:build !linux && !darwin && !freebsd && !netbsd && !openbsd && !dragonfly && !solaris

package sysinfo

// ClockTicks returns DefaultClockTicks; USER_HZ is not queryable on this
// platform.
func ClockTicks() int64 {
	return DefaultClockTicks
}
