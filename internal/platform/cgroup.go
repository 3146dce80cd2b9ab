// Package platform detects container resource limits so the daemon can
// size itself without an operator-supplied constant. Grounded on the
// teacher's root-level cgroup memory-limit detection, generalized from a
// websocket-connection budget to a VSOA client-connection budget.
package platform

import (
	"os"
	"strconv"
	"strings"
)

// MemoryLimitBytes returns the container memory limit from the cgroup
// filesystem, trying cgroup v2 first and falling back to v1. It returns 0
// with a nil error when no limit is detectable (bare metal, VMs, or a
// container started without a memory limit).
func MemoryLimitBytes() (int64, error) {
	if data, err := os.ReadFile("/sys/fs/cgroup/memory.max"); err == nil {
		limit := strings.TrimSpace(string(data))
		if limit != "max" {
			return strconv.ParseInt(limit, 10, 64)
		}
		return 0, nil
	}
	if data, err := os.ReadFile("/sys/fs/cgroup/memory/memory.limit_in_bytes"); err == nil {
		limit, err := strconv.ParseInt(strings.TrimSpace(string(data)), 10, 64)
		if err != nil {
			return 0, err
		}
		// cgroup v1 reports "no limit" as a value close to MaxInt64.
		if limit >= 1<<62 {
			return 0, nil
		}
		return limit, nil
	}
	return 0, nil
}

// perClientOverheadBytes approximates one VSOA client connection's fixed
// cost: the Client struct, its read goroutine's stack, and its slot in the
// parallel sender's per-worker queue. Unlike a per-connection websocket
// send buffer, VSOA frame payloads live in the shared, refcounted packet
// pool rather than a per-client buffer, so this is an order of magnitude
// smaller than a typical websocket connection budget.
const perClientOverheadBytes = 8 * 1024

const (
	runtimeReserveBytes = 64 * 1024 * 1024
	minRecommended      = 100
	maxRecommended      = 200000
	defaultRecommended  = 1000
)

// RecommendMaxClients derives a safe VSOA_MAX_CLIENTS value from a detected
// cgroup memory limit. limitBytes == 0 (no limit detected) returns
// defaultRecommended.
func RecommendMaxClients(limitBytes int64) int {
	if limitBytes <= 0 {
		return defaultRecommended
	}
	available := limitBytes - runtimeReserveBytes
	if available <= 0 {
		available = limitBytes / 2
	}
	n := int(available / perClientOverheadBytes)
	if n < minRecommended {
		n = minRecommended
	}
	if n > maxRecommended {
		n = maxRecommended
	}
	return n
}
