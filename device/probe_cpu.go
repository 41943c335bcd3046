package device

import (
	"bufio"
	"os"
	"strconv"
	"strings"

	"golang.org/x/sys/unix"
)

// CPUProbe is the non-GPU fallback Probe. It reports the host as a
// unified-memory device, so Prober assigns it TierUnified unless a
// tier override is set. It reads total system memory via
// golang.org/x/sys/unix.Sysinfo where available, falling back to
// parsing /proc/meminfo (SPEC_FULL.md table B).
type CPUProbe struct{}

func (CPUProbe) Enumerate() (DeviceInfo, error) {
	total, free := systemMemory()
	return DeviceInfo{
		DeviceID:        DeviceID{Library: "cpu", ID: "0"},
		Name:            "CPU",
		Description:     "host memory fallback",
		Integrated:      true,
		TotalMemory:     total,
		FreeMemory:      free,
		IsUnifiedMemory: true,
	}, nil
}

func systemMemory() (total, free uint64) {
	var info unix.Sysinfo_t
	if err := unix.Sysinfo(&info); err == nil && info.Totalram > 0 {
		unit := uint64(info.Unit)
		if unit == 0 {
			unit = 1
		}
		return uint64(info.Totalram) * unit, uint64(info.Freeram) * unit
	}
	return meminfoFallback()
}

// meminfoFallback parses /proc/meminfo directly, used when Sysinfo is
// unavailable or returns a zero total (e.g. non-Linux kernels without
// a syscall shim).
func meminfoFallback() (total, free uint64) {
	f, err := os.Open("/proc/meminfo")
	if err != nil {
		return 0, 0
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := scanner.Text()
		fields := strings.Fields(line)
		if len(fields) < 2 {
			continue
		}
		kb, err := strconv.ParseUint(fields[1], 10, 64)
		if err != nil {
			continue
		}
		switch fields[0] {
		case "MemTotal:":
			total = kb * 1024
		case "MemAvailable:":
			free = kb * 1024
		}
	}
	return total, free
}

var _ Probe = CPUProbe{}
