package sandbox

import (
	"fmt"
	"time"

	"github.com/isdmx/codejail/config"
)

// ResourceLimitProfile holds the caps for one execution. Every field is
// strictly positive once resolved.
type ResourceLimitProfile struct {
	CPUTimeSeconds   int
	MemoryBytes      int64
	MaxOutputBytes   int64
	MaxProcesses     int
	MaxOpenFiles     int
	WallClockSeconds int
}

// LimitOverrides are the per-request adjustments a host may ask for. Nil
// fields fall back to the server defaults.
type LimitOverrides struct {
	CPUTimeSeconds   *int   `json:"cpu_time_seconds,omitempty"`
	MemoryBytes      *int64 `json:"memory_bytes,omitempty"`
	MaxOutputBytes   *int64 `json:"max_output_bytes,omitempty"`
	MaxProcesses     *int   `json:"max_processes,omitempty"`
	MaxOpenFiles     *int   `json:"max_open_files,omitempty"`
	WallClockSeconds *int   `json:"wall_clock_seconds,omitempty"`
}

// CPUTime returns the CPU limit as a duration.
func (p ResourceLimitProfile) CPUTime() time.Duration {
	return time.Duration(p.CPUTimeSeconds) * time.Second
}

// WallClock returns the wall-clock limit as a duration.
func (p ResourceLimitProfile) WallClock() time.Duration {
	return time.Duration(p.WallClockSeconds) * time.Second
}

// Validate reports the first non-positive field.
func (p ResourceLimitProfile) Validate() error {
	switch {
	case p.CPUTimeSeconds <= 0:
		return fmt.Errorf("cpu time must be positive, got %d", p.CPUTimeSeconds)
	case p.MemoryBytes <= 0:
		return fmt.Errorf("memory must be positive, got %d", p.MemoryBytes)
	case p.MaxOutputBytes <= 0:
		return fmt.Errorf("max output must be positive, got %d", p.MaxOutputBytes)
	case p.MaxProcesses <= 0:
		return fmt.Errorf("max processes must be positive, got %d", p.MaxProcesses)
	case p.MaxOpenFiles <= 0:
		return fmt.Errorf("max open files must be positive, got %d", p.MaxOpenFiles)
	case p.WallClockSeconds <= 0:
		return fmt.Errorf("wall clock must be positive, got %d", p.WallClockSeconds)
	}
	return nil
}

// LimitPolicy turns overrides into a profile. It is an immutable value
// built once from configuration.
type LimitPolicy struct {
	Defaults ResourceLimitProfile
	Maximums ResourceLimitProfile
}

// NewLimitPolicy builds the policy from the sandbox configuration.
func NewLimitPolicy(cfg config.SandboxConfig) LimitPolicy {
	return LimitPolicy{
		Defaults: profileFromConfig(cfg.Defaults),
		Maximums: profileFromConfig(cfg.Maximums),
	}
}

func profileFromConfig(l config.LimitsConfig) ResourceLimitProfile {
	return ResourceLimitProfile{
		CPUTimeSeconds:   l.CPUTimeSeconds,
		MemoryBytes:      l.MemoryBytes,
		MaxOutputBytes:   l.MaxOutputBytes,
		MaxProcesses:     l.MaxProcesses,
		MaxOpenFiles:     l.MaxOpenFiles,
		WallClockSeconds: l.WallClockSeconds,
	}
}

// Resolve fills omitted fields from the defaults and clamps the rest to the
// maximums. A non-positive override is rejected with ErrInvalidRequest. The
// wall clock is raised to at least the CPU limit.
func (lp LimitPolicy) Resolve(o LimitOverrides) (ResourceLimitProfile, error) {
	var err error
	p := ResourceLimitProfile{}

	if p.CPUTimeSeconds, err = resolveField("cpu_time_seconds", o.CPUTimeSeconds, lp.Defaults.CPUTimeSeconds, lp.Maximums.CPUTimeSeconds); err != nil {
		return p, err
	}
	if p.MemoryBytes, err = resolveField("memory_bytes", o.MemoryBytes, lp.Defaults.MemoryBytes, lp.Maximums.MemoryBytes); err != nil {
		return p, err
	}
	if p.MaxOutputBytes, err = resolveField("max_output_bytes", o.MaxOutputBytes, lp.Defaults.MaxOutputBytes, lp.Maximums.MaxOutputBytes); err != nil {
		return p, err
	}
	if p.MaxProcesses, err = resolveField("max_processes", o.MaxProcesses, lp.Defaults.MaxProcesses, lp.Maximums.MaxProcesses); err != nil {
		return p, err
	}
	if p.MaxOpenFiles, err = resolveField("max_open_files", o.MaxOpenFiles, lp.Defaults.MaxOpenFiles, lp.Maximums.MaxOpenFiles); err != nil {
		return p, err
	}
	if p.WallClockSeconds, err = resolveField("wall_clock_seconds", o.WallClockSeconds, lp.Defaults.WallClockSeconds, lp.Maximums.WallClockSeconds); err != nil {
		return p, err
	}

	if p.WallClockSeconds < p.CPUTimeSeconds {
		p.WallClockSeconds = p.CPUTimeSeconds
	}
	return p, p.Validate()
}

func resolveField[T int | int64](name string, override *T, def, maximum T) (T, error) {
	if override == nil {
		return min(def, maximum), nil
	}
	if *override <= 0 {
		return 0, fmt.Errorf("%w: %s must be positive, got %d", ErrInvalidRequest, name, *override)
	}
	return min(*override, maximum), nil
}
