// Command diskstat prints extended block device statistics in the manner
// of iostat -x.
//
// Usage: diskstat [flags] [interval [count]]
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/spf13/pflag"

	"github.com/skobkin/diskstat-web/internal/blockdev"
	"github.com/skobkin/diskstat-web/internal/config"
	"github.com/skobkin/diskstat-web/internal/diskstats"
	"github.com/skobkin/diskstat-web/internal/report"
	"github.com/skobkin/diskstat-web/internal/sampler"
	"github.com/skobkin/diskstat-web/internal/sysinfo"
)

type options struct {
	interval   time.Duration
	count      int
	devices    []string
	partitions bool
	virtual    bool
	omitFirst  bool
	timestamp  bool
	borders    bool
	jsonOutput bool
	list       bool
	logLevel   string
	procRoot   string
	sysfsRoot  string
}

func parseOptions(args []string, defaults config.Config, stderr io.Writer) (options, error) {
	var opts options

	fs := pflag.NewFlagSet("diskstat", pflag.ContinueOnError)
	fs.SetOutput(stderr)
	fs.SortFlags = false
	fs.Usage = func() {
		fmt.Fprintf(stderr, "Usage: diskstat [flags] [interval [count]]\n\n")
		fs.PrintDefaults()
	}

	fs.DurationVarP(&opts.interval, "interval", "i", 0, "Time between reports; 0 prints a single since-boot report")
	fs.IntVarP(&opts.count, "count", "c", 0, "Number of interval reports; 0 runs until interrupted")
	fs.StringSliceVarP(&opts.devices, "devices", "d", defaults.Devices.Names, "Only report these devices")
	fs.BoolVarP(&opts.partitions, "partitions", "p", defaults.Devices.IncludePartitions, "Include partitions")
	fs.BoolVar(&opts.virtual, "virtual", defaults.Devices.IncludeVirtual, "Include virtual devices (loop, dm, md, zram)")
	fs.BoolVarP(&opts.omitFirst, "omit-first", "y", false, "Skip the since-boot report")
	fs.BoolVarP(&opts.timestamp, "timestamp", "t", false, "Print the time of each report")
	fs.BoolVar(&opts.borders, "borders", false, "Draw table borders")
	fs.BoolVarP(&opts.jsonOutput, "json", "j", false, "Emit reports as JSON")
	fs.BoolVarP(&opts.list, "list", "l", false, "List block devices and exit")
	fs.StringVar(&opts.logLevel, "log-level", defaults.LogLevel.String(), "Log level (debug, info, warn, error)")
	fs.StringVar(&opts.procRoot, "proc-root", defaults.ProcRoot, "Path to procfs root")
	fs.StringVar(&opts.sysfsRoot, "sysfs-root", defaults.SysfsRoot, "Path to sysfs root")

	if err := fs.Parse(args); err != nil {
		return options{}, err
	}

	positional := fs.Args()
	if len(positional) > 2 {
		return options{}, fmt.Errorf("unexpected arguments %v", positional[2:])
	}
	if len(positional) >= 1 {
		seconds, err := strconv.ParseFloat(positional[0], 64)
		if err != nil || seconds < 0 {
			return options{}, fmt.Errorf("invalid interval %q", positional[0])
		}
		opts.interval = time.Duration(seconds * float64(time.Second))
	}
	if len(positional) == 2 {
		count, err := strconv.Atoi(positional[1])
		if err != nil || count <= 0 {
			return options{}, fmt.Errorf("invalid count %q", positional[1])
		}
		opts.count = count
	}

	if opts.interval < 0 {
		return options{}, fmt.Errorf("interval must be >= 0")
	}
	if opts.count < 0 {
		return options{}, fmt.Errorf("count must be >= 0")
	}
	if opts.interval == 0 && opts.omitFirst {
		return options{}, fmt.Errorf("--omit-first requires an interval")
	}
	return opts, nil
}

func main() {
	defaults, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "diskstat: %v\n", err)
		os.Exit(2)
	}

	opts, err := parseOptions(os.Args[1:], defaults, os.Stderr)
	if err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return
		}
		fmt.Fprintf(os.Stderr, "diskstat: %v\n", err)
		os.Exit(2)
	}

	level, err := config.ParseLogLevel(opts.logLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "diskstat: %v\n", err)
		os.Exit(2)
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, opts, os.Stdout, logger); err != nil {
		logger.Error("diskstat failed", "err", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, opts options, out io.Writer, logger *slog.Logger) error {
	if opts.list {
		devices, err := blockdev.Discover(opts.sysfsRoot, opts.procRoot, logger.With("component", "blockdev_discovery"))
		if err != nil {
			return fmt.Errorf("discover block devices: %w", err)
		}
		if opts.jsonOutput {
			return report.WriteJSON(out, devices)
		}
		return report.WriteDevices(out, devices)
	}

	source, err := diskstats.NewSystemSource(opts.procRoot)
	if err != nil {
		return err
	}

	filter := blockdev.Filter{
		Devices:           opts.devices,
		IncludePartitions: opts.partitions,
		IncludeVirtual:    opts.virtual,
	}
	tracker := sampler.NewTracker(filter.Predicate(blockdev.NewClassifier(opts.sysfsRoot)))
	printer := &printer{out: out, opts: opts}

	info, err := sysinfo.Discover(opts.procRoot)
	if err != nil {
		return fmt.Errorf("discover system info: %w", err)
	}
	if !opts.jsonOutput {
		if err := report.WriteHeader(out, info, time.Now()); err != nil {
			return err
		}
	}

	first, err := source.Read(ctx)
	if err != nil {
		return err
	}
	now := time.Now()

	if opts.omitFirst {
		tracker.Prime(first, now)
	} else {
		uptime, _, err := sysinfo.ReadUptime(opts.procRoot)
		if err != nil {
			return fmt.Errorf("since-boot report: %w", err)
		}
		tracker.Prime(first.Baseline(), now.Add(-time.Duration(uptime*float64(time.Second))))
		r, _, err := tracker.Observe(first, now)
		if err != nil {
			return fmt.Errorf("since-boot report: %w", err)
		}
		if err := printer.print(r); err != nil {
			return err
		}
	}

	if opts.interval == 0 {
		return nil
	}

	ticker := time.NewTicker(opts.interval)
	defer ticker.Stop()

	for printed := 0; opts.count == 0 || printed < opts.count; {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}

		snapshot, err := source.Read(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			logger.Warn("diskstats read failed, keeping baseline", "err", err)
			continue
		}

		r, outcome, err := tracker.Observe(snapshot, time.Now())
		if outcome != sampler.OutcomeReport {
			logger.Warn("skipping interval", "outcome", outcome.String(), "err", err)
			continue
		}
		if err := printer.print(r); err != nil {
			return err
		}
		printed++
	}
	return nil
}

type printer struct {
	out  io.Writer
	opts options
}

func (p *printer) print(r sampler.Report) error {
	if p.opts.jsonOutput {
		return report.WriteJSON(p.out, r)
	}
	return report.WriteDeviceStats(p.out, r.Timestamp, r.Devices, report.Options{
		Timestamp: p.opts.timestamp,
		Borders:   p.opts.borders,
	})
}
