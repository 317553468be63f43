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

package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"framecap/pkg/log"
)

// Recordings are stored in the following format
//
// <RecordingsDir>
// └── <Camera>
//     └── <YYYY-MM-DD>
//         ├── <name>-<hh-mm-ss>.mp4   // Video.
//         └── <name>-<hh-mm-ss>.json  // Recording data.

// Manager storage manager.
type Manager struct {
	recordingsDir   string
	recordingsDirFS fs.FS
	disk            *disk
	removeAll       func(string) error

	logger *log.Logger
}

// NewManager returns new manager. maxDiskUsage is in gigabytes.
func NewManager(recordingsDir string, maxDiskUsage float64, logger *log.Logger) *Manager {
	recordingsDirFS := os.DirFS(recordingsDir)
	return &Manager{
		recordingsDir:   recordingsDir,
		recordingsDirFS: recordingsDirFS,
		disk:            newDisk(int64(maxDiskUsage*gigabyte), recordingsDirFS),
		removeAll:       os.RemoveAll,

		logger: logger,
	}
}

// RecordingsDir returns path to recordings directory.
func (s *Manager) RecordingsDir() string {
	return s.recordingsDir
}

// DiskUsageCached returns cached value and its age.
func (s *Manager) DiskUsageCached() (DiskUsage, time.Duration) {
	return s.disk.usageCached()
}

// DiskUsage returns cached value if witin maxAge.
// Will update and return new value if the cached value is too old.
func (s *Manager) DiskUsage(maxAge time.Duration) (DiskUsage, error) {
	return s.disk.usage(maxAge)
}

// purge checks if disk usage is above 99%,
// if true deletes all files from the oldest day.
func (s *Manager) purge() error {
	if s.disk.maxBytes == 0 {
		return nil
	}
	usage, err := s.DiskUsage(10 * time.Minute)
	if err != nil {
		return fmt.Errorf("update disk usage: %w", err)
	}
	if usage.Percent < 99 {
		return nil
	}

	day, err := s.oldestDay()
	if err != nil {
		return err
	}
	if day == "" {
		return nil
	}

	// Delete the day from every camera.
	cameras, err := fs.ReadDir(s.recordingsDirFS, ".")
	if err != nil {
		return fmt.Errorf("read directory %v: %w", s.recordingsDir, err)
	}
	for _, camera := range cameras {
		if !camera.IsDir() {
			continue
		}
		path := filepath.Join(s.recordingsDir, camera.Name(), day)
		if err := s.removeAll(path); err != nil {
			return fmt.Errorf("remove directory: %w", err)
		}
		s.logger.Info().Src("storage").Camera(camera.Name()).
			Msgf("purged recordings from %v", day)
	}
	return nil
}

// Returns the oldest "YYYY-MM-DD" directory name across all cameras.
func (s *Manager) oldestDay() (string, error) {
	cameras, err := fs.ReadDir(s.recordingsDirFS, ".")
	if err != nil {
		return "", fmt.Errorf("read directory %v: %w", s.recordingsDir, err)
	}

	var oldest string
	for _, camera := range cameras {
		if !camera.IsDir() {
			continue
		}
		days, err := fs.ReadDir(s.recordingsDirFS, camera.Name())
		if err != nil {
			return "", fmt.Errorf("read directory %v: %w", camera.Name(), err)
		}
		// ReadDir returns entries sorted by name.
		for _, day := range days {
			if !day.IsDir() {
				continue
			}
			if oldest == "" || day.Name() < oldest {
				oldest = day.Name()
			}
			break
		}
	}
	return oldest, nil
}

// PurgeLoop runs Purge on an interval until context is canceled.
func (s *Manager) PurgeLoop(ctx context.Context, duration time.Duration) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-time.After(duration):
			if err := s.purge(); err != nil {
				s.logger.Error().Src("storage").Msgf("could not purge storage: %v", err)
			}
		}
	}
}

// Recording recording data and path relative to the recordings directory.
type Recording struct {
	Path string          `json:"path"`
	Data json.RawMessage `json:"data"`
}

// Recordings returns up to limit recordings of a camera, newest first.
// Only recordings with a data file are returned.
func (s *Manager) Recordings(camera string, limit int) ([]Recording, error) {
	days, err := fs.ReadDir(s.recordingsDirFS, camera)
	if err != nil {
		return nil, fmt.Errorf("read directory %v: %w", camera, err)
	}

	recordings := []Recording{}
	for i := len(days) - 1; i >= 0 && len(recordings) < limit; i-- {
		if !days[i].IsDir() {
			continue
		}
		dayDir := camera + "/" + days[i].Name()
		files, err := fs.ReadDir(s.recordingsDirFS, dayDir)
		if err != nil {
			return nil, fmt.Errorf("read directory %v: %w", dayDir, err)
		}

		var dataFiles []string
		for _, file := range files {
			if strings.HasSuffix(file.Name(), ".json") {
				dataFiles = append(dataFiles, file.Name())
			}
		}
		// Names start with the event name, sort by time suffix instead.
		sort.SliceStable(dataFiles, func(a, b int) bool {
			return timeSuffix(dataFiles[a]) > timeSuffix(dataFiles[b])
		})

		for _, name := range dataFiles {
			if len(recordings) >= limit {
				break
			}
			raw, err := fs.ReadFile(s.recordingsDirFS, dayDir+"/"+name)
			if err != nil {
				return nil, fmt.Errorf("read recording data: %w", err)
			}
			recordings = append(recordings, Recording{
				Path: strings.TrimSuffix(dayDir+"/"+name, ".json"),
				Data: raw,
			})
		}
	}
	return recordings, nil
}

// "name-15-04-05.json" > "15-04-05"
func timeSuffix(name string) string {
	name = strings.TrimSuffix(name, ".json")
	const timeLen = len("15-04-05")
	if len(name) < timeLen {
		return name
	}
	return name[len(name)-timeLen:]
}

// Only used to calculate and cache disk usage.
type disk struct {
	maxBytes       int64
	dirFS          fs.FS
	diskUsageBytes func(fs.FS) int64

	cache      DiskUsage
	lastUpdate time.Time
	cacheLock  sync.Mutex

	updateLock sync.Mutex
}

func newDisk(maxBytes int64, dirFS fs.FS) *disk {
	return &disk{
		maxBytes:       maxBytes,
		diskUsageBytes: diskUsageBytes,
		dirFS:          dirFS,
	}
}

func (d *disk) usageCached() (DiskUsage, time.Duration) {
	d.cacheLock.Lock()
	defer d.cacheLock.Unlock()

	return d.cache, time.Since(d.lastUpdate)
}

// usage returns cached value if witin maxAge.
// Will update and return new value if the cached value is too old.
func (d *disk) usage(maxAge time.Duration) (DiskUsage, error) {
	maxTime := time.Now().Add(-maxAge)

	d.cacheLock.Lock()
	if d.lastUpdate.After(maxTime) {
		defer d.cacheLock.Unlock()
		return d.cache, nil
	}
	d.cacheLock.Unlock()

	// Cache is too old, acquire update lock and update it.
	d.updateLock.Lock()
	defer d.updateLock.Unlock()

	// Check if it was updated while we were waiting for the update lock.
	d.cacheLock.Lock()
	if d.lastUpdate.After(maxTime) {
		defer d.cacheLock.Unlock()
		return d.cache, nil
	}
	d.cacheLock.Unlock()

	updatedUsage := d.calculateDiskUsage()

	d.cacheLock.Lock()
	d.cache = updatedUsage
	d.lastUpdate = time.Now()
	d.cacheLock.Unlock()

	return updatedUsage, nil
}

func (d *disk) calculateDiskUsage() DiskUsage {
	used := d.diskUsageBytes(d.dirFS)

	percent := func() int {
		if used == 0 || d.maxBytes == 0 {
			return 0
		}
		return int((used * 100) / d.maxBytes)
	}()

	return DiskUsage{
		Used:      used,
		Percent:   percent,
		Max:       d.maxBytes / int64(gigabyte),
		Formatted: formatDiskUsage(float64(used)),
	}
}

// DiskUsage in Bytes.
type DiskUsage struct {
	Used      int64  `json:"used"`
	Percent   int    `json:"percent"`
	Max       int64  `json:"max"`
	Formatted string `json:"formatted"`
}

const (
	kilobyte float64 = 1000
	megabyte         = kilobyte * 1000
	gigabyte         = megabyte * 1000
	terabyte         = gigabyte * 1000
)

func formatDiskUsage(used float64) string {
	switch {
	case used < 1000*megabyte:
		return fmt.Sprintf("%.0fMB", used/megabyte)
	case used < 10*gigabyte:
		return fmt.Sprintf("%.2fGB", used/gigabyte)
	case used < 100*gigabyte:
		return fmt.Sprintf("%.1fGB", used/gigabyte)
	case used < 1000*gigabyte:
		return fmt.Sprintf("%.0fGB", used/gigabyte)
	case used < 10*terabyte:
		return fmt.Sprintf("%.2fTB", used/terabyte)
	case used < 100*terabyte:
		return fmt.Sprintf("%.1fTB", used/terabyte)
	default:
		return fmt.Sprintf("%.0fTB", used/terabyte)
	}
}

func diskUsageBytes(fileSystem fs.FS) int64 {
	var used int64
	fs.WalkDir(fileSystem, ".", func(_ string, d fs.DirEntry, err error) error { //nolint:errcheck
		if err != nil || d.IsDir() {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return nil
		}
		used += info.Size()

		return nil
	})
	return used
}
