package blockdev

import (
	"os"
	"path/filepath"
	"slices"
	"sync"
)

// Class captures what sysfs says about one kernel device name.
type Class struct {
	// Known is false when the name has no sysfs entry at all, for example on
	// hosts without sysfs or for devices that disappeared.
	Known    bool
	Whole    bool
	Physical bool
	Parent   string
}

// Classifier answers whole-disk and physical-device questions for the
// names found in diskstats. Results are cached per name.
type Classifier struct {
	root string

	mu    sync.Mutex
	cache map[string]Class
}

// NewClassifier returns a classifier probing <sysfsRoot>/block.
func NewClassifier(sysfsRoot string) *Classifier {
	if sysfsRoot == "" {
		sysfsRoot = "/sys"
	}
	return &Classifier{
		root:  filepath.Join(sysfsRoot, sysBlockPath),
		cache: make(map[string]Class),
	}
}

// IsWholeDevice reports whether name is a whole disk rather than a partition.
func (c *Classifier) IsWholeDevice(name string) bool {
	return c.Classify(name).Whole
}

// IsPhysical reports whether name, or the disk holding it, is backed by
// hardware.
func (c *Classifier) IsPhysical(name string) bool {
	return c.Classify(name).Physical
}

// Classify probes sysfs for name.
func (c *Classifier) Classify(name string) Class {
	c.mu.Lock()
	defer c.mu.Unlock()

	if class, ok := c.cache[name]; ok {
		return class
	}
	class := c.probe(kernelToSysfsName(name))
	c.cache[name] = class
	return class
}

// Forget drops cached results so re-attached devices are probed again.
func (c *Classifier) Forget() {
	c.mu.Lock()
	c.cache = make(map[string]Class)
	c.mu.Unlock()
}

func (c *Classifier) probe(sysName string) Class {
	if isDir(filepath.Join(c.root, sysName)) {
		return Class{
			Known:    true,
			Whole:    true,
			Physical: exists(filepath.Join(c.root, sysName, "device")),
		}
	}

	entries, err := os.ReadDir(c.root)
	if err != nil {
		return Class{}
	}
	for _, entry := range entries {
		parent := entry.Name()
		if !exists(filepath.Join(c.root, parent, sysName, "partition")) {
			continue
		}
		return Class{
			Known:    true,
			Physical: exists(filepath.Join(c.root, parent, "device")),
			Parent:   sysfsToKernelName(parent),
		}
	}
	return Class{}
}

// Filter selects which diskstats devices are reported.
type Filter struct {
	// Devices, when non-empty, is an explicit allow-list that bypasses
	// classification.
	Devices           []string
	IncludePartitions bool
	IncludeVirtual    bool
}

// Predicate returns a keep function for diskstats.Snapshot.Filter. Names
// sysfs knows nothing about are kept.
func (f Filter) Predicate(c *Classifier) func(name string) bool {
	if len(f.Devices) > 0 {
		allowed := slices.Clone(f.Devices)
		return func(name string) bool {
			return slices.Contains(allowed, name)
		}
	}
	if c == nil || (f.IncludePartitions && f.IncludeVirtual) {
		return nil
	}
	return func(name string) bool {
		class := c.Classify(name)
		if !class.Known {
			return true
		}
		if !class.Whole && !f.IncludePartitions {
			return false
		}
		if !class.Physical && !f.IncludeVirtual {
			return false
		}
		return true
	}
}

func exists(path string) bool {
	_, err := os.Lstat(path)
	return err == nil
}

func isDir(path string) bool {
	info, err := os.Stat(path)
	return err == nil && info.IsDir()
}
