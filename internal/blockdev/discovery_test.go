package blockdev

import (
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"reflect"
	"testing"

	"github.com/jaypipes/pcidb"
)

func buildSysfs(t *testing.T) string {
	t.Helper()

	root := t.TempDir()
	block := filepath.Join(root, "block")

	// Physical disks follow the kernel layout: block/<name> links into the
	// devices tree and the device link climbs out of the disk directory.
	scsi := filepath.Join(root, "devices", "pci0000:00", "0000:00:17.0", "ata1", "host0", "target0:0:0", "0:0:0:0")
	writeFile(t, filepath.Join(scsi, "vendor"), "ATA     \n")
	writeFile(t, filepath.Join(scsi, "model"), "WDC WD5000AAKX\n")
	sda := filepath.Join(scsi, "block", "sda")
	writeFile(t, filepath.Join(sda, "dev"), "8:0\n")
	writeFile(t, filepath.Join(sda, "size"), "976773168\n")
	writeFile(t, filepath.Join(sda, "removable"), "0\n")
	writeFile(t, filepath.Join(sda, "queue", "rotational"), "1\n")
	writeFile(t, filepath.Join(sda, "sda1", "partition"), "1\n")
	writeFile(t, filepath.Join(sda, "sda1", "dev"), "8:1\n")
	writeFile(t, filepath.Join(sda, "sda2", "partition"), "2\n")
	symlink(t, filepath.Join("..", "..", "..", "0:0:0:0"), filepath.Join(sda, "device"))
	linkBlock(t, block, sda)

	pci := filepath.Join(root, "devices", "pci0000:00", "0000:00:1d.0", "0000:01:00.0")
	writeFile(t, filepath.Join(pci, "vendor"), "0x144d\n")
	writeFile(t, filepath.Join(pci, "device"), "0xa808\n")
	ctrl := filepath.Join(pci, "nvme", "nvme0")
	writeFile(t, filepath.Join(ctrl, "model"), "Samsung SSD 970 EVO Plus 1TB\n")
	symlink(t, filepath.Join("..", "..", "..", "0000:01:00.0"), filepath.Join(ctrl, "device"))
	nvme := filepath.Join(ctrl, "nvme0n1")
	writeFile(t, filepath.Join(nvme, "dev"), "259:0\n")
	writeFile(t, filepath.Join(nvme, "size"), "2000409264\n")
	writeFile(t, filepath.Join(nvme, "queue", "rotational"), "0\n")
	writeFile(t, filepath.Join(nvme, "nvme0n1p1", "partition"), "1\n")
	symlink(t, filepath.Join("..", "..", "nvme0"), filepath.Join(nvme, "device"))
	linkBlock(t, block, nvme)

	writeFile(t, filepath.Join(block, "loop0", "dev"), "7:0\n")
	writeFile(t, filepath.Join(block, "loop0", "size"), "0\n")
	writeFile(t, filepath.Join(block, "loop0", "removable"), "0\n")

	writeFile(t, filepath.Join(block, "dm-0", "dev"), "253:0\n")
	writeFile(t, filepath.Join(block, "dm-0", "size"), "2048\n")
	writeFile(t, filepath.Join(block, "dm-0", "slaves", "sda2"), "")

	writeFile(t, filepath.Join(block, "cciss!c0d0", "dev"), "104:0\n")
	writeFile(t, filepath.Join(block, "cciss!c0d0", "removable"), "1\n")
	writeFile(t, filepath.Join(block, "cciss!c0d0", "device", "model"), "LOGICAL VOLUME\n")
	writeFile(t, filepath.Join(block, "cciss!c0d0", "cciss!c0d0p1", "partition"), "1\n")

	return root
}

func TestDiscover(t *testing.T) {
	t.Parallel()

	root := buildSysfs(t)
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	infos, err := Discover(root, t.TempDir(), logger)
	if err != nil {
		t.Fatalf("Discover returned error: %v", err)
	}

	ids := make([]string, 0, len(infos))
	byID := make(map[string]Info, len(infos))
	for _, info := range infos {
		ids = append(ids, info.ID)
		byID[info.ID] = info
	}
	if want := []string{"cciss/c0d0", "dm-0", "loop0", "nvme0n1", "sda"}; !reflect.DeepEqual(ids, want) {
		t.Fatalf("unexpected devices %v, want %v", ids, want)
	}

	sda := byID["sda"]
	if sda.Major != 8 || sda.Minor != 0 {
		t.Errorf("unexpected sda dev number %d:%d", sda.Major, sda.Minor)
	}
	if sda.SizeBytes != 976773168*sectorSize {
		t.Errorf("unexpected sda size %d", sda.SizeBytes)
	}
	if !sda.Rotational || sda.Removable || sda.Virtual {
		t.Errorf("unexpected sda flags %+v", sda)
	}
	if sda.Vendor != "ATA" || sda.Model != "WDC WD5000AAKX" {
		t.Errorf("unexpected sda identity %q %q", sda.Vendor, sda.Model)
	}
	if want := []string{"sda1", "sda2"}; !reflect.DeepEqual(sda.Partitions, want) {
		t.Errorf("unexpected sda partitions %v", sda.Partitions)
	}

	nvme := byID["nvme0n1"]
	if nvme.Model != "Samsung SSD 970 EVO Plus 1TB" {
		t.Errorf("unexpected nvme model %q", nvme.Model)
	}
	if want := []string{"nvme0n1p1"}; !reflect.DeepEqual(nvme.Partitions, want) {
		t.Errorf("unexpected nvme partitions %v", nvme.Partitions)
	}
	if nvme.PCIID != "144d:a808" {
		t.Errorf("unexpected nvme PCI ID %q", nvme.PCIID)
	}
	if nvme.Rotational || nvme.Virtual {
		t.Errorf("unexpected nvme flags %+v", nvme)
	}

	if loop := byID["loop0"]; !loop.Virtual || loop.Model != "" || loop.PCIID != "" {
		t.Errorf("expected virtual loop0, got %+v", loop)
	}

	if dm := byID["dm-0"]; !reflect.DeepEqual(dm.Slaves, []string{"sda2"}) {
		t.Errorf("unexpected dm-0 slaves %v", dm.Slaves)
	}

	cciss := byID["cciss/c0d0"]
	if !cciss.Removable || cciss.Major != 104 {
		t.Errorf("unexpected cciss info %+v", cciss)
	}
	if want := []string{"cciss/c0d0p1"}; !reflect.DeepEqual(cciss.Partitions, want) {
		t.Errorf("unexpected cciss partitions %v", cciss.Partitions)
	}
}

func TestDiscoverMissingBlockDir(t *testing.T) {
	t.Parallel()

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	infos, err := Discover(t.TempDir(), t.TempDir(), logger)
	if err != nil {
		t.Fatalf("Discover returned error: %v", err)
	}
	if len(infos) != 0 {
		t.Fatalf("expected no devices, got %d", len(infos))
	}
}

func TestDiscoverSkipsUnreadableDevices(t *testing.T) {
	t.Parallel()

	root := t.TempDir()
	writeFile(t, filepath.Join(root, "block", "sdb", "dev"), "garbage\n")
	writeFile(t, filepath.Join(root, "block", "sdc", "dev"), "8:32\n")

	infos, err := Discover(root, t.TempDir(), nil)
	if err != nil {
		t.Fatalf("Discover returned error: %v", err)
	}
	if len(infos) != 1 || infos[0].ID != "sdc" {
		t.Fatalf("expected only sdc, got %+v", infos)
	}
}

func TestDiscoverFollowsSymlinks(t *testing.T) {
	t.Parallel()

	root := t.TempDir()
	blockPath := filepath.Join(root, "block")
	if err := os.MkdirAll(blockPath, 0o750); err != nil {
		t.Fatalf("mkdir block: %v", err)
	}

	scsi := filepath.Join(root, "devices", "pci0000:00", "0000:00:17.0", "ata1", "host0", "target0:0:0", "0:0:0:0")
	writeFile(t, filepath.Join(scsi, "vendor"), "ATA\n")
	writeFile(t, filepath.Join(scsi, "model"), "Linked Disk\n")

	target := filepath.Join(scsi, "block", "sda")
	writeFile(t, filepath.Join(target, "dev"), "8:0\n")
	symlink(t, filepath.Join("..", "..", "..", "0:0:0:0"), filepath.Join(target, "device"))
	linkBlock(t, blockPath, target)

	infos, err := Discover(root, t.TempDir(), nil)
	if err != nil {
		t.Fatalf("Discover returned error: %v", err)
	}
	if len(infos) != 1 {
		t.Fatalf("expected one disk, got %+v", infos)
	}
	if got := infos[0]; got.Virtual || got.Vendor != "ATA" || got.Model != "Linked Disk" {
		t.Fatalf("expected identity through device link, got %+v", got)
	}
}

func TestDiscoverIgnoresLinksLeavingSysfs(t *testing.T) {
	t.Parallel()

	root := t.TempDir()
	outside := t.TempDir()
	writeFile(t, filepath.Join(outside, "model"), "Escaped\n")

	disk := filepath.Join(root, "block", "sdx")
	writeFile(t, filepath.Join(disk, "dev"), "8:16\n")
	symlink(t, outside, filepath.Join(disk, "device"))

	infos, err := Discover(root, t.TempDir(), nil)
	if err != nil {
		t.Fatalf("Discover returned error: %v", err)
	}
	if len(infos) != 1 || infos[0].Model != "" || infos[0].Virtual {
		t.Fatalf("expected physical disk without escaped identity, got %+v", infos)
	}
}

func TestDiscoverUsesPCIDatabase(t *testing.T) {
	t.Parallel()

	db, err := pcidb.New()
	if err != nil {
		t.Skipf("pcidb unavailable: %v", err)
	}

	const (
		vendorID = "144d"
		deviceID = "a808"
	)
	product, ok := db.Products[vendorID+deviceID]
	if !ok || product == nil || product.Name == "" {
		t.Skipf("pcidb missing product for %s:%s", vendorID, deviceID)
	}

	root := buildSysfs(t)
	infos, err := Discover(root, t.TempDir(), nil)
	if err != nil {
		t.Fatalf("Discover returned error: %v", err)
	}
	for _, info := range infos {
		if info.ID != "nvme0n1" {
			continue
		}
		if info.Controller == "" {
			t.Fatalf("expected controller name from pci ids")
		}
		return
	}
	t.Fatalf("nvme0n1 not discovered")
}

func TestNormalizePCIID(t *testing.T) {
	t.Parallel()

	cases := map[string]string{
		"0x144D\n": "144d",
		"0X1b":     "001b",
		"":         "",
		"0x":       "",
	}
	for in, want := range cases {
		if got := normalizePCIID(in); got != want {
			t.Errorf("normalizePCIID(%q) = %q, want %q", in, got, want)
		}
	}
}

// linkBlock publishes dir as block/<base(dir)> with a relative link, like
// the kernel does.
func linkBlock(t *testing.T, blockDir, dir string) {
	t.Helper()
	if err := os.MkdirAll(blockDir, 0o750); err != nil {
		t.Fatalf("mkdir %s: %v", blockDir, err)
	}
	rel, err := filepath.Rel(blockDir, dir)
	if err != nil {
		t.Fatalf("filepath.Rel: %v", err)
	}
	symlink(t, rel, filepath.Join(blockDir, filepath.Base(dir)))
}

func symlink(t *testing.T, target, link string) {
	t.Helper()
	if err := os.Symlink(target, link); err != nil {
		t.Fatalf("symlink %s: %v", link, err)
	}
}

func writeFile(t *testing.T, path, contents string) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		t.Fatalf("mkdir %s: %v", path, err)
	}
	if err := os.WriteFile(path, []byte(contents), 0o600); err != nil {
		t.Fatalf("write %s: %v", path, err)
	}
}
