package resolver

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/shirou/gopsutil/v4/cpu"
	"github.com/shirou/gopsutil/v4/mem"
)

// SystemSampler reports CPU and memory utilisation in percent.
type SystemSampler func(ctx context.Context) (cpuPct, ramPct float64, err error)

// DiagnosticsPlugin reports host load when asked to diagnose itself.
type DiagnosticsPlugin struct {
	sample SystemSampler
}

func NewDiagnosticsPlugin(sample SystemSampler) *DiagnosticsPlugin {
	if sample == nil {
		sample = sampleHost
	}
	return &DiagnosticsPlugin{sample: sample}
}

func (p *DiagnosticsPlugin) Name() string { return "diagnostics" }

func (p *DiagnosticsPlugin) Resolve(ctx context.Context, command string, _ Context) (string, bool, error) {
	if !strings.Contains(Normalize(command), "diagnos") {
		return "", false, nil
	}
	cpuPct, ramPct, err := p.sample(ctx)
	if err != nil {
		return "", false, fmt.Errorf("sample host: %w", err)
	}
	return fmt.Sprintf("[Diagnostics] CPU: %.1f%% | RAM: %.1f%%", cpuPct, ramPct), true, nil
}

func sampleHost(ctx context.Context) (float64, float64, error) {
	cpus, err := cpu.PercentWithContext(ctx, 200*time.Millisecond, false)
	if err != nil {
		return 0, 0, err
	}
	vm, err := mem.VirtualMemoryWithContext(ctx)
	if err != nil {
		return 0, 0, err
	}
	var cpuPct float64
	if len(cpus) > 0 {
		cpuPct = cpus[0]
	}
	return cpuPct, vm.UsedPercent, nil
}
