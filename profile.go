// Copyright (c) 2025, Lux Industries Inc
// SPDX-License-Identifier: BSD-3-Clause

//go:build profile

package phe

import (
	"fmt"
	"os"
	"runtime"
	"runtime/pprof"
	"time"
)

// ProfileConfig names the profile files to write. Empty paths are skipped.
type ProfileConfig struct {
	CPUProfile string
	MemProfile string
}

// Profiler captures CPU and heap profiles around a workload.
type Profiler struct {
	config    ProfileConfig
	cpuFile   *os.File
	startTime time.Time
}

// NewProfiler returns a stopped profiler.
func NewProfiler(config ProfileConfig) *Profiler {
	return &Profiler{config: config}
}

// Start begins CPU profiling.
func (p *Profiler) Start() error {
	p.startTime = time.Now()
	if p.config.CPUProfile == "" {
		return nil
	}
	f, err := os.Create(p.config.CPUProfile)
	if err != nil {
		return fmt.Errorf("create CPU profile: %w", err)
	}
	if err := pprof.StartCPUProfile(f); err != nil {
		f.Close()
		return fmt.Errorf("start CPU profile: %w", err)
	}
	p.cpuFile = f
	return nil
}

// Stop ends CPU profiling and writes the heap profile.
func (p *Profiler) Stop() error {
	fmt.Printf("Profiling duration: %v\n", time.Since(p.startTime))
	if p.cpuFile != nil {
		pprof.StopCPUProfile()
		p.cpuFile.Close()
		fmt.Printf("CPU profile written to: %s\n", p.config.CPUProfile)
	}
	if p.config.MemProfile == "" {
		return nil
	}
	f, err := os.Create(p.config.MemProfile)
	if err != nil {
		return fmt.Errorf("create memory profile: %w", err)
	}
	defer f.Close()
	runtime.GC()
	if err := pprof.WriteHeapProfile(f); err != nil {
		return fmt.Errorf("write memory profile: %w", err)
	}
	fmt.Printf("Memory profile written to: %s\n", p.config.MemProfile)
	return nil
}

// Measure runs fn n times and prints the total and per-op time. The first
// error aborts the run.
func Measure(name string, n int, fn func() error) (time.Duration, error) {
	if n < 1 {
		n = 1
	}
	start := time.Now()
	for i := 0; i < n; i++ {
		if err := fn(); err != nil {
			return 0, fmt.Errorf("%s: iteration %d: %w", name, i, err)
		}
	}
	d := time.Since(start)
	fmt.Printf("%-28s %10v  %10v/op\n", name, d, d/time.Duration(n))
	return d, nil
}

// PrintMemStats prints heap statistics.
func PrintMemStats() {
	var m runtime.MemStats
	runtime.ReadMemStats(&m)
	fmt.Printf("Memory Statistics:\n")
	fmt.Printf("  Alloc:       %d MB\n", m.Alloc/1024/1024)
	fmt.Printf("  TotalAlloc:  %d MB\n", m.TotalAlloc/1024/1024)
	fmt.Printf("  NumGC:       %d\n", m.NumGC)
}
