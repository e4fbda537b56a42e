// Package blockdev inspects the sysfs block tree to describe block devices
// and to tell whole disks from partitions and physical from virtual devices.
package blockdev

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/prometheus/procfs/blockdevice"
)

const (
	sysBlockPath = "block"
	sectorSize   = 512
)

// Info describes a single whole block device discovered via sysfs.
type Info struct {
	ID         string   `json:"id"`
	Major      uint32   `json:"major"`
	Minor      uint32   `json:"minor"`
	SizeBytes  uint64   `json:"size_bytes"`
	Removable  bool     `json:"removable"`
	Rotational bool     `json:"rotational"`
	Virtual    bool     `json:"virtual"`
	Vendor     string   `json:"vendor,omitempty"`
	Model      string   `json:"model,omitempty"`
	PCIID      string   `json:"pci_id,omitempty"`
	Controller string   `json:"controller,omitempty"`
	Partitions []string `json:"partitions,omitempty"`
	Slaves     []string `json:"slaves,omitempty"`
}

// Discover enumerates whole block devices listed under <sysfsRoot>/block.
// A missing block directory yields an empty result.
func Discover(sysfsRoot, procRoot string, logger *slog.Logger) ([]Info, error) {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}

	if _, err := os.Stat(filepath.Join(sysfsRoot, sysBlockPath)); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			logger.Warn("sysfs block path missing", "path", filepath.Join(sysfsRoot, sysBlockPath))
			return nil, nil
		}
		return nil, fmt.Errorf("stat sysfs block dir: %w", err)
	}

	blockFS, err := blockdevice.NewFS(procRoot, sysfsRoot)
	if err != nil {
		return nil, fmt.Errorf("open block device fs: %w", err)
	}
	names, err := blockFS.SysBlockDevices()
	if err != nil {
		return nil, fmt.Errorf("list block devices: %w", err)
	}
	sort.Strings(names)

	sysRoot, err := os.OpenRoot(sysfsRoot)
	if err != nil {
		return nil, fmt.Errorf("open sysfs root: %w", err)
	}
	defer sysRoot.Close()

	infos := make([]Info, 0, len(names))
	for _, name := range names {
		devPath := resolveDevicePath(sysfsRoot, name)
		devRoot, err := sysRoot.OpenRoot(devPath)
		if err != nil {
			logger.Warn("failed to open block device root", "device", name, "err", err)
			continue
		}

		info, err := loadDeviceInfo(name, devRoot)
		if err := devRoot.Close(); err != nil {
			logger.Debug("failed to close block device root", "device", name, "err", err)
		}
		if err != nil {
			logger.Warn("failed to load block device info", "device", name, "err", err)
			continue
		}
		if !info.Virtual {
			loadHardwareInfo(&info, sysRoot, devPath)
		}

		if size, err := blockFS.SysBlockDeviceSize(name); err == nil {
			info.SizeBytes = size
		} else {
			logger.Debug("block device size unavailable", "device", name, "err", err)
		}
		if slaves, err := blockFS.SysBlockDeviceUnderlyingDevices(name); err == nil && len(slaves.DeviceNames) > 0 {
			info.Slaves = slaves.DeviceNames
			sort.Strings(info.Slaves)
		}

		infos = append(infos, info)
	}

	return infos, nil
}

func loadDeviceInfo(name string, devRoot *os.Root) (Info, error) {
	info := Info{ID: sysfsToKernelName(name)}

	dev, err := readTrim(devRoot, "dev")
	if err != nil {
		return Info{}, fmt.Errorf("read dev: %w", err)
	}
	if info.Major, info.Minor, err = parseDevNumber(dev); err != nil {
		return Info{}, err
	}

	if value, err := readTrim(devRoot, "removable"); err == nil {
		info.Removable = value == "1"
	}
	if value, err := readTrim(devRoot, filepath.Join("queue", "rotational")); err == nil {
		info.Rotational = value == "1"
	}

	if _, err := devRoot.Lstat("device"); err != nil {
		info.Virtual = true
	}

	info.Partitions = findPartitions(devRoot)

	return info, nil
}

// resolveDevicePath returns the real location of block/<name> relative to
// sysfsRoot. Kernel sysfs links block entries into the devices tree, and
// their device links climb out of the block directory, so hardware
// attributes must be opened from the sysfs root.
func resolveDevicePath(sysfsRoot, name string) string {
	fallback := filepath.Join(sysBlockPath, name)

	realRoot, err := filepath.EvalSymlinks(sysfsRoot)
	if err != nil {
		return fallback
	}
	realDev, err := filepath.EvalSymlinks(filepath.Join(sysfsRoot, sysBlockPath, name))
	if err != nil {
		return fallback
	}
	rel, err := filepath.Rel(realRoot, realDev)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return fallback
	}
	return rel
}

// loadHardwareInfo fills vendor, model and the PCI controller from the
// device link of the block device at devPath.
func loadHardwareInfo(info *Info, sysRoot *os.Root, devPath string) {
	hwRoot, err := sysRoot.OpenRoot(filepath.Join(devPath, "device"))
	if err != nil {
		return
	}
	info.Vendor, _ = readTrim(hwRoot, "vendor")
	info.Model, _ = readTrim(hwRoot, "model")
	_ = hwRoot.Close()

	info.PCIID, info.Controller = resolveController(sysRoot, filepath.Join(devPath, "device", "device"))
}

// resolveController looks for the PCI function behind the device, which
// sysfs exposes as device/device for NVMe namespaces and virtio disks.
func resolveController(sysRoot *os.Root, pciPath string) (pciID, name string) {
	pciRoot, err := sysRoot.OpenRoot(pciPath)
	if err != nil {
		return "", ""
	}
	defer pciRoot.Close()

	vendor, err := readTrim(pciRoot, "vendor")
	if err != nil {
		return "", ""
	}
	device, err := readTrim(pciRoot, "device")
	if err != nil {
		return "", ""
	}
	subVendor, _ := readTrim(pciRoot, "subsystem_vendor")
	subDevice, _ := readTrim(pciRoot, "subsystem_device")

	pciID = normalizePCIID(vendor) + ":" + normalizePCIID(device)
	return pciID, lookupControllerName(vendor, device, subVendor, subDevice)
}

func findPartitions(devRoot *os.Root) []string {
	entries, err := fs.ReadDir(devRoot.FS(), ".")
	if err != nil {
		return nil
	}
	var parts []string
	for _, entry := range entries {
		if _, err := devRoot.Stat(filepath.Join(entry.Name(), "partition")); err == nil {
			parts = append(parts, sysfsToKernelName(entry.Name()))
		}
	}
	sort.Strings(parts)
	return parts
}

func parseDevNumber(value string) (uint32, uint32, error) {
	majorText, minorText, ok := strings.Cut(value, ":")
	if !ok {
		return 0, 0, fmt.Errorf("malformed dev number %q", value)
	}
	major, err := strconv.ParseUint(majorText, 10, 32)
	if err != nil {
		return 0, 0, fmt.Errorf("parse major: %w", err)
	}
	minor, err := strconv.ParseUint(minorText, 10, 32)
	if err != nil {
		return 0, 0, fmt.Errorf("parse minor: %w", err)
	}
	return uint32(major), uint32(minor), nil
}

func readTrim(root *os.Root, name string) (string, error) {
	data, err := root.ReadFile(name)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(data)), nil
}

// Kernel device names may contain '/', which sysfs stores as '!'.
func kernelToSysfsName(name string) string {
	return strings.ReplaceAll(name, "/", "!")
}

func sysfsToKernelName(name string) string {
	return strings.ReplaceAll(name, "!", "/")
}
