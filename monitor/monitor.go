// Package monitor periodically samples CPU, RAM, and (when available)
// GPU/VRAM utilization, exposing the latest Sample for capacity-cost
// estimation (spec §4.8) and a Prometheus registry for the HTTP /metrics
// surface (spec §6 ambient stack).
/*
 * Copyright (c) 2018-2023, NVIDIA CORPORATION. All rights reserved.
 */
package monitor

import (
	"bytes"
	"context"
	"os"
	"os/exec"
	"runtime"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/mem"

	"github.com/dalaw2/visiogrid/agentmodel"
	"github.com/dalaw2/visiogrid/cmn/nlog"
)

// Sample is one point-in-time reading of this Agent's resource state.
type Sample struct {
	CPUPercent float64
	RAMUsedMB  uint64
	RAMTotalMB uint64
	VRAMUsedMB uint64
	VRAMTotalMB uint64
	HasGPU     bool
	Taken      time.Time
}

// Monitor owns a ticker-driven sampling loop plus the Prometheus gauges
// derived from each Sample.
type Monitor struct {
	mu       sync.RWMutex
	last     Sample
	interval time.Duration
	stopCh   chan struct{}
	wg       sync.WaitGroup

	registry   *prometheus.Registry
	gCPU       prometheus.Gauge
	gRAMUsed   prometheus.Gauge
	gRAMTotal  prometheus.Gauge
	gVRAMUsed  prometheus.Gauge
	gVRAMTotal prometheus.Gauge
}

func New(interval time.Duration) *Monitor {
	m := &Monitor{
		interval: interval,
		stopCh:   make(chan struct{}),
		registry: prometheus.NewRegistry(),
		gCPU: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "agent_cpu_percent", Help: "CPU utilization percentage.",
		}),
		gRAMUsed: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "agent_ram_used_megabytes", Help: "RAM in use, megabytes.",
		}),
		gRAMTotal: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "agent_ram_total_megabytes", Help: "Total RAM, megabytes.",
		}),
		gVRAMUsed: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "agent_vram_used_megabytes", Help: "VRAM in use, megabytes.",
		}),
		gVRAMTotal: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "agent_vram_total_megabytes", Help: "Total VRAM, megabytes.",
		}),
	}
	m.registry.MustRegister(m.gCPU, m.gRAMUsed, m.gRAMTotal, m.gVRAMUsed, m.gVRAMTotal)
	return m
}

func (m *Monitor) Registry() *prometheus.Registry { return m.registry }

func (m *Monitor) Start() {
	m.wg.Add(1)
	go m.run()
}

func (m *Monitor) Stop() {
	close(m.stopCh)
	m.wg.Wait()
}

func (m *Monitor) Latest() Sample {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.last
}

func (m *Monitor) run() {
	defer m.wg.Done()
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	m.collect()
	for {
		select {
		case <-m.stopCh:
			return
		case <-ticker.C:
			m.collect()
		}
	}
}

func (m *Monitor) collect() {
	s := Sample{Taken: time.Now()}

	if pct, err := cpu.Percent(0, false); err == nil && len(pct) > 0 {
		s.CPUPercent = pct[0]
	} else if err != nil {
		nlog.Warningf("monitor: cpu sample failed: %v", err)
	}

	if v, err := mem.VirtualMemory(); err == nil {
		s.RAMUsedMB = v.Used / (1 << 20)
		s.RAMTotalMB = v.Total / (1 << 20)
	} else {
		nlog.Warningf("monitor: mem sample failed: %v", err)
	}

	if used, total, ok := nvidiaSMI(); ok {
		s.HasGPU = true
		s.VRAMUsedMB = used
		s.VRAMTotalMB = total
	}

	m.mu.Lock()
	m.last = s
	m.mu.Unlock()

	m.gCPU.Set(s.CPUPercent)
	m.gRAMUsed.Set(float64(s.RAMUsedMB))
	m.gRAMTotal.Set(float64(s.RAMTotalMB))
	m.gVRAMUsed.Set(float64(s.VRAMUsedMB))
	m.gVRAMTotal.Set(float64(s.VRAMTotalMB))
}

// GatherStaticInfo collects the one-time AgentInformation reported at
// handshake: hostname, CPU/GPU model, and total RAM/VRAM capacity. Absent
// a GPU, GPUModel/TotalVRAM are left zero-valued.
func GatherStaticInfo() (agentmodel.AgentInformation, error) {
	info := agentmodel.AgentInformation{OSName: runtime.GOOS}

	host, err := os.Hostname()
	if err != nil {
		return info, err
	}
	info.HostName = host

	if cpus, err := cpu.Info(); err == nil && len(cpus) > 0 {
		info.CPUModel = cpus[0].ModelName
	}
	info.PhysicalCores = runtime.NumCPU()

	if v, err := mem.VirtualMemory(); err == nil {
		info.TotalRAM = v.Total
	}

	if name, totalMB, ok := nvidiaSMIName(); ok {
		info.GPUModel = name
		info.TotalVRAM = totalMB * (1 << 20)
	}
	return info, nil
}

// nvidiaSMIName is the static counterpart of nvidiaSMI: name and total
// capacity don't change sample-to-sample, so it's queried once at
// startup rather than on every collect().
func nvidiaSMIName() (name string, totalMB uint64, ok bool) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	cmd := exec.CommandContext(ctx, "nvidia-smi",
		"--query-gpu=name,memory.total", "--format=csv,noheader")
	var out bytes.Buffer
	cmd.Stdout = &out
	if err := cmd.Run(); err != nil {
		return "", 0, false
	}
	line := strings.TrimSpace(strings.SplitN(out.String(), "\n", 2)[0])
	parts := strings.SplitN(line, ",", 2)
	if len(parts) != 2 {
		return "", 0, false
	}
	totalStr := strings.TrimSpace(strings.TrimSuffix(strings.TrimSpace(parts[1]), "MiB"))
	total, err := strconv.ParseUint(totalStr, 10, 64)
	if err != nil {
		return "", 0, false
	}
	return strings.TrimSpace(parts[0]), total, true
}

// nvidiaSMI shells out to nvidia-smi for VRAM figures; absence of the
// binary (no GPU, or a CPU-only Agent) is not an error, just ok=false.
func nvidiaSMI() (usedMB, totalMB uint64, ok bool) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	cmd := exec.CommandContext(ctx, "nvidia-smi",
		"--query-gpu=memory.used,memory.total", "--format=csv,noheader,nounits")
	var out bytes.Buffer
	cmd.Stdout = &out
	if err := cmd.Run(); err != nil {
		return 0, 0, false
	}
	line := strings.TrimSpace(strings.SplitN(out.String(), "\n", 2)[0])
	parts := strings.Split(line, ",")
	if len(parts) != 2 {
		return 0, 0, false
	}
	used, err1 := strconv.ParseUint(strings.TrimSpace(parts[0]), 10, 64)
	total, err2 := strconv.ParseUint(strings.TrimSpace(parts[1]), 10, 64)
	if err1 != nil || err2 != nil {
		return 0, 0, false
	}
	return used, total, true
}
