package gateway

import (
	"bufio"
	"os"
	"runtime"
	"strconv"
	"strings"
	"time"
)

// SystemMetrics is the process snapshot pushed to dashboards on the
// "metrics" channel and served at /api/metrics. Host figures come from
// /proc and stay zero elsewhere.
type SystemMetrics struct {
	Load1       float64 `json:"load_1"`
	Load5       float64 `json:"load_5"`
	CPUCores    int     `json:"cpu_cores"`
	MemUsedMB   float64 `json:"mem_used_mb"`
	MemTotalMB  float64 `json:"mem_total_mb"`
	HeapAllocMB float64 `json:"heap_alloc_mb"`
	GCRuns      uint32  `json:"gc_runs"`
	Goroutines  int     `json:"goroutines"`
	UptimeSec   int64   `json:"uptime_sec"`

	// Event delivery latency, reconcile to WebSocket fan-out.
	LatencyP50 float64 `json:"latency_p50_ms"`
	LatencyP95 float64 `json:"latency_p95_ms"`
	LatencyP99 float64 `json:"latency_p99_ms"`
	WSClients  int     `json:"ws_clients"`

	TS string `json:"ts"`
}

// CollectMetrics gathers process and host resource usage.
func CollectMetrics(start time.Time) SystemMetrics {
	now := time.Now()
	m := SystemMetrics{
		CPUCores:   runtime.NumCPU(),
		Goroutines: runtime.NumGoroutine(),
		UptimeSec:  int64(now.Sub(start).Seconds()),
		TS:         now.UTC().Format(time.RFC3339Nano),
	}

	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)
	m.HeapAllocMB = float64(ms.HeapAlloc) / (1 << 20)
	m.GCRuns = ms.NumGC

	if raw, err := os.ReadFile("/proc/loadavg"); err == nil {
		f := strings.Fields(string(raw))
		if len(f) >= 2 {
			m.Load1, _ = strconv.ParseFloat(f[0], 64)
			m.Load5, _ = strconv.ParseFloat(f[1], 64)
		}
	}

	mem := meminfo("/proc/meminfo", "MemTotal", "MemAvailable")
	if total := mem["MemTotal"]; total > 0 {
		m.MemTotalMB = float64(total) / 1024
		m.MemUsedMB = float64(total-mem["MemAvailable"]) / 1024
	}
	return m
}

// meminfo reads the kB values of keys from a /proc/meminfo style file.
func meminfo(path string, keys ...string) map[string]uint64 {
	out := make(map[string]uint64, len(keys))
	f, err := os.Open(path)
	if err != nil {
		return out
	}
	defer f.Close()

	want := make(map[string]bool, len(keys))
	for _, k := range keys {
		want[k] = true
	}
	sc := bufio.NewScanner(f)
	for sc.Scan() && len(out) < len(keys) {
		name, rest, ok := strings.Cut(sc.Text(), ":")
		if !ok || !want[name] {
			continue
		}
		fields := strings.Fields(rest)
		if len(fields) == 0 {
			continue
		}
		if v, err := strconv.ParseUint(fields[0], 10, 64); err == nil {
			out[name] = v
		}
	}
	return out
}
