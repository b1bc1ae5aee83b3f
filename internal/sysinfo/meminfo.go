// Package sysinfo reads host resource pressure for the batch size controller.
package sysinfo

import (
	"errors"
	"fmt"

	"github.com/shirou/gopsutil/v3/mem"
)

// MemoryUsedFraction returns the fraction of physical memory in use on this host.
func MemoryUsedFraction() (float64, error) {
	vm, err := mem.VirtualMemory()
	if err != nil {
		return 0, fmt.Errorf("read virtual memory: %w", err)
	}
	return UsedFraction(vm)
}

// UsedFraction converts gopsutil's percentage into a 0..1 fraction.
func UsedFraction(vm *mem.VirtualMemoryStat) (float64, error) {
	if vm == nil || vm.Total == 0 {
		return 0, errors.New("virtual memory: total is zero")
	}
	used := vm.UsedPercent / 100
	switch {
	case used < 0:
		used = 0
	case used > 1:
		used = 1
	}
	return used, nil
}
