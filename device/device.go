package device

import (
	"errors"
	"fmt"
	"strings"

	"github.com/klauspost/cpuid/v2"
)

// ErrMismatch is returned when data and model live on different devices
var ErrMismatch = errors.New("device mismatch")

type DeviceType int

const (
	CPU DeviceType = iota
	Accelerator
)

func (d DeviceType) String() string {
	switch d {
	case CPU:
		return "CPU"
	case Accelerator:
		return "Accelerator"
	default:
		return "Unknown"
	}
}

// Device identifies where batches and model parameters reside
type Device struct {
	Type    DeviceType
	Ordinal int
}

func (d Device) String() string {
	return fmt.Sprintf("%s:%d", strings.ToLower(d.Type.String()), d.Ordinal)
}

// Host is the default CPU device
var Host = Device{Type: CPU}

// Parse maps a config device name to a Device. Only "cpu" is available.
func Parse(name string) (Device, error) {
	switch strings.ToLower(name) {
	case "", "cpu":
		return Host, nil
	default:
		return Device{}, fmt.Errorf("unsupported device %q", name)
	}
}

// Info describes the host CPU for logging
type Info struct {
	Brand    string
	Cores    int
	Threads  int
	Features []string
}

// Describe reports the CPU the reference kernels run on
func Describe() Info {
	var features []string
	for _, f := range []cpuid.FeatureID{cpuid.SSE4, cpuid.AVX, cpuid.AVX2, cpuid.FMA3, cpuid.AVX512F, cpuid.ASIMD} {
		if cpuid.CPU.Supports(f) {
			features = append(features, f.String())
		}
	}
	return Info{
		Brand:    cpuid.CPU.BrandName,
		Cores:    cpuid.CPU.PhysicalCores,
		Threads:  cpuid.CPU.LogicalCores,
		Features: features,
	}
}

// Check returns ErrMismatch unless got matches want
func Check(want, got Device) error {
	if want != got {
		return fmt.Errorf("%w: expected %s, got %s", ErrMismatch, want, got)
	}
	return nil
}
