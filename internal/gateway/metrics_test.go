package gateway

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestMeminfo(t *testing.T) {
	path := filepath.Join(t.TempDir(), "meminfo")
	content := "MemTotal:       16384000 kB\nMemFree:         1000000 kB\nMemAvailable:    8192000 kB\nBuffers: x\n"
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}

	got := meminfo(path, "MemTotal", "MemAvailable")
	if got["MemTotal"] != 16384000 || got["MemAvailable"] != 8192000 {
		t.Errorf("meminfo = %v", got)
	}
	if len(meminfo(filepath.Join(t.TempDir(), "missing"), "MemTotal")) != 0 {
		t.Error("missing file should yield no values")
	}
}

func TestHubSystemMetrics(t *testing.T) {
	h := newTestHub()
	attach(h)
	h.Latency.Record(20 * time.Millisecond)

	m := h.SystemMetrics(time.Now().Add(-time.Minute))
	if m.WSClients != 1 || m.LatencyP50 != 20 {
		t.Errorf("metrics = %+v", m)
	}
	if m.UptimeSec < 59 || m.Goroutines == 0 || m.CPUCores == 0 {
		t.Errorf("runtime figures = %+v", m)
	}
}
