// Package report renders device statistics for terminals and scripts.
package report

import (
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/olekukonko/tablewriter"

	"github.com/skobkin/diskstat-web/internal/blockdev"
	"github.com/skobkin/diskstat-web/internal/iostat"
	"github.com/skobkin/diskstat-web/internal/sysinfo"
)

// StatsColumns is the header of the extended statistics table.
var StatsColumns = []string{
	"Device", "r/s", "w/s", "rkB/s", "wkB/s", "rrqm/s", "wrqm/s",
	"r_await", "w_await", "aqu-sz", "rareq-sz", "wareq-sz", "areq-sz", "%util",
}

// Options tweaks table rendering.
type Options struct {
	// Timestamp prints the report time above the table.
	Timestamp bool
	// Borders draws ASCII borders instead of whitespace-separated columns.
	Borders bool
}

// WriteHeader prints the host banner shown once before the first table.
func WriteHeader(w io.Writer, info sysinfo.Info, now time.Time) error {
	_, err := fmt.Fprintf(w, "%s (%s) \t%s \t_%s_\t(%d CPU)\n\n",
		info.OS, info.Hostname, now.Format("2006-01-02"), info.Arch, info.CPUs)
	return err
}

// WriteDeviceStats renders per-device statistics as an extended iostat
// table. Devices are sorted by name and utilisation is shown in percent.
func WriteDeviceStats(w io.Writer, ts time.Time, devices map[string]iostat.Stats, opts Options) error {
	if opts.Timestamp && !ts.IsZero() {
		if _, err := fmt.Fprintln(w, ts.Local().Format(time.DateTime)); err != nil {
			return err
		}
	}

	table := newTable(w, opts)
	table.SetHeader(StatsColumns)
	for _, name := range sortedNames(devices) {
		table.Append(StatsRow(name, devices[name]))
	}
	table.Render()

	_, err := fmt.Fprintln(w)
	return err
}

// StatsRow formats one device's statistics in StatsColumns order.
func StatsRow(name string, s iostat.Stats) []string {
	return []string{
		name,
		formatFloat(s.ReadS),
		formatFloat(s.WriteS),
		formatFloat(s.ReadKBs),
		formatFloat(s.WriteKBs),
		formatFloat(s.RrqmS),
		formatFloat(s.WrqmS),
		formatFloat(s.AvgReadRt),
		formatFloat(s.AvgWriteRt),
		formatFloat(s.AvgQueueSz),
		formatFloat(s.AvgReadKB),
		formatFloat(s.AvgWriteKB),
		formatFloat(s.AvgRequestSz),
		formatFloat(s.Util * 100),
	}
}

// WriteDevices lists discovered block devices with human readable sizes.
func WriteDevices(w io.Writer, devices []blockdev.Info) error {
	table := newTable(w, Options{})
	table.SetHeader([]string{"Device", "Maj:Min", "Size", "Type", "Rota", "RM", "Model", "Controller", "Partitions"})
	for _, d := range devices {
		kind := "disk"
		if d.Virtual {
			kind = "virtual"
		}
		model := strings.TrimSpace(strings.Join([]string{d.Vendor, d.Model}, " "))
		table.Append([]string{
			d.ID,
			fmt.Sprintf("%d:%d", d.Major, d.Minor),
			humanize.IBytes(d.SizeBytes),
			kind,
			boolFlag(d.Rotational),
			boolFlag(d.Removable),
			dashIfEmpty(model),
			dashIfEmpty(d.Controller),
			dashIfEmpty(strings.Join(d.Partitions, ",")),
		})
	}
	table.Render()
	return nil
}

// WriteJSON writes v as indented JSON followed by a newline.
func WriteJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		return fmt.Errorf("encode json: %w", err)
	}
	return nil
}

func newTable(w io.Writer, opts Options) *tablewriter.Table {
	table := tablewriter.NewWriter(w)
	table.SetAutoFormatHeaders(false)
	table.SetAutoWrapText(false)
	table.SetHeaderAlignment(tablewriter.ALIGN_RIGHT)
	table.SetAlignment(tablewriter.ALIGN_RIGHT)
	if !opts.Borders {
		table.SetBorder(false)
		table.SetHeaderLine(false)
		table.SetColumnSeparator("")
		table.SetCenterSeparator("")
		table.SetRowSeparator("")
		table.SetTablePadding("  ")
		table.SetNoWhiteSpace(true)
	}
	return table
}

func formatFloat(v float64) string {
	return strconv.FormatFloat(v, 'f', 2, 64)
}

func boolFlag(v bool) string {
	if v {
		return "1"
	}
	return "0"
}

func dashIfEmpty(v string) string {
	if v == "" {
		return "-"
	}
	return v
}

func sortedNames(devices map[string]iostat.Stats) []string {
	names := make([]string, 0, len(devices))
	for name := range devices {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
