// Package sysres is the connection node's admission-control guard: a
// cgroup-aware CPU monitor plus the connection/goroutine caps the upgrade
// handler checks before accepting a new WebSocket. Adapted from the
// teacher's platform.ContainerCPU/CPUMonitor
// (internal/single/platform/cgroup_cpu.go) and shared/limits/ResourceGuard,
// scaled down to the two checks this module's admission path needs.
package sysres

import (
	"bufio"
	"fmt"
	"os"
	"runtime"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/shirou/gopsutil/v3/cpu"
)

// containerCPU reads cumulative CPU usage from cgroup v1 or v2 accounting
// files and reports it as a percentage of the container's own quota.
type containerCPU struct {
	mu             sync.Mutex
	cgroupPath     string
	cgroupVersion  int
	quota, period  int64
	allocatedCPUs  float64
	lastUsec       uint64
	lastSampleTime time.Time
}

func newContainerCPU() (*containerCPU, error) {
	path, version, err := detectCgroupPath()
	if err != nil {
		return nil, err
	}
	quota, period, err := readCPUQuota(path, version)
	if err != nil {
		return nil, err
	}
	allocated := float64(runtime.NumCPU())
	if quota > 0 && period > 0 {
		allocated = float64(quota) / float64(period)
	}
	usage, err := readCPUUsage(path, version)
	if err != nil {
		return nil, err
	}
	return &containerCPU{
		cgroupPath:     path,
		cgroupVersion:  version,
		quota:          quota,
		period:         period,
		allocatedCPUs:  allocated,
		lastUsec:       usage,
		lastSampleTime: time.Now(),
	}, nil
}

func (c *containerCPU) percent() (float64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := time.Now()
	elapsedUsec := now.Sub(c.lastSampleTime).Microseconds()
	usage, err := readCPUUsage(c.cgroupPath, c.cgroupVersion)
	if err != nil {
		return 0, err
	}
	if elapsedUsec <= 0 {
		return 0, fmt.Errorf("sysres: sample interval too small")
	}

	delta := usage - c.lastUsec
	c.lastUsec = usage
	c.lastSampleTime = now

	raw := (float64(delta) / float64(elapsedUsec)) * 100.0
	return raw / c.allocatedCPUs, nil
}

func detectCgroupPath() (path string, version int, err error) {
	f, err := os.Open("/proc/self/cgroup")
	if err != nil {
		return "", 0, err
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		parts := strings.Split(scanner.Text(), ":")
		if len(parts) != 3 {
			continue
		}
		if parts[0] == "0" && parts[1] == "" {
			return "/sys/fs/cgroup" + parts[2], 2, nil
		}
		if strings.Contains(parts[1], "cpu") {
			return "/sys/fs/cgroup/cpu" + parts[2], 1, nil
		}
	}
	return "", 0, fmt.Errorf("sysres: could not detect cgroup path")
}

func readCPUQuota(cgroupPath string, version int) (quota, period int64, err error) {
	if version == 2 {
		data, err := os.ReadFile(cgroupPath + "/cpu.max")
		if err != nil {
			return 0, 0, err
		}
		fields := strings.Fields(string(data))
		if len(fields) != 2 {
			return 0, 0, fmt.Errorf("sysres: unexpected cpu.max format: %q", data)
		}
		if fields[0] == "max" {
			return -1, 0, nil
		}
		quota, err = strconv.ParseInt(fields[0], 10, 64)
		if err != nil {
			return 0, 0, err
		}
		period, err = strconv.ParseInt(fields[1], 10, 64)
		return quota, period, err
	}

	quotaData, err := os.ReadFile(cgroupPath + "/cpu.cfs_quota_us")
	if err != nil {
		return 0, 0, err
	}
	periodData, err := os.ReadFile(cgroupPath + "/cpu.cfs_period_us")
	if err != nil {
		return 0, 0, err
	}
	quota, err = strconv.ParseInt(strings.TrimSpace(string(quotaData)), 10, 64)
	if err != nil {
		return 0, 0, err
	}
	period, err = strconv.ParseInt(strings.TrimSpace(string(periodData)), 10, 64)
	return quota, period, err
}

func readCPUUsage(cgroupPath string, version int) (uint64, error) {
	if version == 2 {
		f, err := os.Open(cgroupPath + "/cpu.stat")
		if err != nil {
			return 0, err
		}
		defer f.Close()
		scanner := bufio.NewScanner(f)
		for scanner.Scan() {
			if fields := strings.Fields(scanner.Text()); len(fields) == 2 && fields[0] == "usage_usec" {
				return strconv.ParseUint(fields[1], 10, 64)
			}
		}
		return 0, fmt.Errorf("sysres: usage_usec not found in cpu.stat")
	}

	data, err := os.ReadFile(cgroupPath + "/cpuacct.usage")
	if err != nil {
		return 0, err
	}
	nsec, err := strconv.ParseUint(strings.TrimSpace(string(data)), 10, 64)
	if err != nil {
		return 0, err
	}
	return nsec / 1000, nil
}

// CPUMonitor reports CPU usage as a percentage of whatever this process is
// entitled to, falling back to host-wide measurement outside a container.
type CPUMonitor struct {
	mode      string
	container *containerCPU
}

// NewCPUMonitor detects a cgroup and falls back to gopsutil host sampling
// when none is found (e.g. running outside a container in local dev).
func NewCPUMonitor(log zerolog.Logger) *CPUMonitor {
	cc, err := newContainerCPU()
	if err != nil {
		log.Debug().Err(err).Msg("no cgroup CPU accounting found, falling back to host sampling")
		return &CPUMonitor{mode: "host"}
	}
	return &CPUMonitor{mode: "container", container: cc}
}

// Percent returns the current CPU usage percentage.
func (m *CPUMonitor) Percent() (float64, error) {
	if m.mode == "container" {
		return m.container.percent()
	}
	pcts, err := cpu.Percent(100*time.Millisecond, false)
	if err != nil {
		return 0, err
	}
	if len(pcts) == 0 {
		return 0, fmt.Errorf("sysres: no host CPU sample available")
	}
	return pcts[0], nil
}

// Mode reports "container" or "host".
func (m *CPUMonitor) Mode() string { return m.mode }
