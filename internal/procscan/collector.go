package procscan

import (
	"fmt"
	"io"
	"log/slog"
	"os/user"
	"sort"
	"strconv"
	"strings"

	"github.com/prometheus/procfs"
)

const maxCommandLen = 256

type rawProcess struct {
	pid        int
	uid        int
	user       string
	name       string
	command    string
	readBytes  uint64
	writeBytes uint64
}

type collector struct {
	fs        procfs.FS
	maxPIDs   int
	logger    *slog.Logger
	userCache map[int]string
}

func newCollector(procRoot string, maxPIDs int, logger *slog.Logger) (*collector, error) {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	fs, err := procfs.NewFS(procRoot)
	if err != nil {
		return nil, fmt.Errorf("open proc root: %w", err)
	}

	return &collector{
		fs:        fs,
		maxPIDs:   maxPIDs,
		logger:    logger,
		userCache: make(map[int]string),
	}, nil
}

// collect returns processes whose I/O accounting is readable, lowest PID
// first, along with the number of PIDs examined.
func (c *collector) collect() ([]rawProcess, int, error) {
	procs, err := c.fs.AllProcs()
	if err != nil {
		return nil, 0, fmt.Errorf("list processes: %w", err)
	}
	sort.Slice(procs, func(i, j int) bool { return procs[i].PID < procs[j].PID })

	var (
		results []rawProcess
		scanned int
	)
	for _, proc := range procs {
		if c.maxPIDs > 0 && scanned >= c.maxPIDs {
			break
		}
		scanned++

		raw, ok := c.scanProcess(proc)
		if !ok {
			continue
		}
		results = append(results, raw)
	}

	return results, scanned, nil
}

func (c *collector) scanProcess(proc procfs.Proc) (rawProcess, bool) {
	// Reading another user's io file requires ptrace access; such
	// processes are skipped.
	pio, err := proc.IO()
	if err != nil {
		c.logger.Debug("skipping process without io accounting", "pid", proc.PID, "err", err)
		return rawProcess{}, false
	}

	comm, err := proc.Comm()
	if err != nil {
		return rawProcess{}, false
	}

	status, err := proc.NewStatus()
	if err != nil {
		return rawProcess{}, false
	}
	uid := int(status.UIDs[0])

	args, err := proc.CmdLine()
	if err != nil {
		args = nil
	}

	return rawProcess{
		pid:        proc.PID,
		uid:        uid,
		user:       c.lookupUser(uid),
		name:       comm,
		command:    formatCmdline(args),
		readBytes:  pio.ReadBytes,
		writeBytes: pio.WriteBytes,
	}, true
}

func (c *collector) lookupUser(uid int) string {
	if name, ok := c.userCache[uid]; ok {
		return name
	}
	name := strconv.Itoa(uid)
	if u, err := user.LookupId(strconv.Itoa(uid)); err == nil {
		if u.Username != "" {
			name = u.Username
		}
	}
	c.userCache[uid] = name
	return name
}

func formatCmdline(args []string) string {
	out := make([]string, 0, len(args))
	for _, arg := range args {
		if arg != "" {
			out = append(out, arg)
		}
	}
	cmd := strings.Join(out, " ")
	if len(cmd) > maxCommandLen {
		return cmd[:maxCommandLen]
	}
	return cmd
}
