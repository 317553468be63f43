// Copyright 2020-2022 The OS-NVR Authors.
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU General Public License as published by
// the Free Software Foundation; either version 2 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU General Public License for more details.
//
// You should have received a copy of the GNU General Public License
// along with this program.  If not, see <https://www.gnu.org/licenses/>.

package status

import (
	"context"
	"fmt"
	"sync"
	"time"

	"framecap/pkg/log"
	"framecap/pkg/storage"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/disk"
	"github.com/shirou/gopsutil/v3/mem"
)

// Status system resource usage.
type Status struct {
	CPUUsage           int    `json:"cpuUsage"`
	RAMUsage           int    `json:"ramUsage"`
	DiskUsage          int    `json:"diskUsage"`
	DiskUsageFormatted string `json:"diskUsageFormatted"`
	DiskFree           uint64 `json:"diskFree"`
}

type (
	cpuFunc     func(context.Context, time.Duration, bool) ([]float64, error)
	ramFunc     func() (*mem.VirtualMemoryStat, error)
	diskFunc    func(time.Duration) (storage.DiskUsage, error)
	fsUsageFunc func(string) (*disk.UsageStat, error)
)

// System polls resource usage.
type System struct {
	cpu     cpuFunc
	ram     ramFunc
	disk    diskFunc
	fsUsage fsUsageFunc

	storageDir string
	status     Status
	duration   time.Duration

	logger *log.Logger
	mu     sync.Mutex
}

// NewSystem returns a system that reports recording disk
// usage from diskUsage and free space of storageDir.
func NewSystem(diskUsage diskFunc, storageDir string, logger *log.Logger) *System {
	return &System{
		cpu:     cpu.PercentWithContext,
		ram:     mem.VirtualMemory,
		disk:    diskUsage,
		fsUsage: disk.Usage,

		storageDir: storageDir,
		duration:   10 * time.Second,

		logger: logger,
	}
}

func (s *System) update(ctx context.Context) error {
	cpuUsage, err := s.cpu(ctx, s.duration, false)
	if err != nil {
		return fmt.Errorf("could not get cpu usage %w", err)
	}
	ramUsage, err := s.ram()
	if err != nil {
		return fmt.Errorf("could not get ram usage %w", err)
	}
	diskUsage, err := s.disk(5 * time.Minute)
	if err != nil {
		return fmt.Errorf("could not get disk usage %w", err)
	}
	fsUsage, err := s.fsUsage(s.storageDir)
	if err != nil {
		return fmt.Errorf("could not get file system usage %w", err)
	}

	var cpuPercent int
	if len(cpuUsage) != 0 {
		cpuPercent = int(cpuUsage[0])
	}

	s.mu.Lock()
	s.status = Status{
		CPUUsage:           cpuPercent,
		RAMUsage:           int(ramUsage.UsedPercent),
		DiskUsage:          diskUsage.Percent,
		DiskUsageFormatted: diskUsage.Formatted,
		DiskFree:           fsUsage.Free,
	}
	s.mu.Unlock()

	return nil
}

// StatusLoop updates system status until context is canceled.
func (s *System) StatusLoop(ctx context.Context) {
	for {
		if ctx.Err() != nil {
			return
		}
		if err := s.update(ctx); err != nil {
			s.logger.Error().Src("status").Msgf("could not update system status: %v", err)
			select {
			case <-time.After(s.duration):
			case <-ctx.Done():
			}
		}
	}
}

// Status returns the last polled status.
func (s *System) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}
