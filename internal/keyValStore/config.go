package keyValStore

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/shirou/gopsutil/disk"
)

type StoreConfig struct {
	Paths            []string // absolute path at the moment only first path is supported
	MinimumFreeSpace int      // in GB
	// InMemory keeps everything in RAM. Paths and MinimumFreeSpace are ignored.
	InMemory bool
	Logger   *slog.Logger
}

func (sc *StoreConfig) checkConfig() error {
	if sc.InMemory {
		return nil
	}
	if len(sc.Paths) == 0 {
		return errors.New("no path provided in configuration")
	}

	path := sc.Paths[0] // Currently only the first path is utilized
	info, err := os.Stat(path)
	if os.IsNotExist(err) {
		return errors.New("path does not exist")
	}
	if err != nil {
		return err
	}
	if !info.IsDir() {
		return errors.New("path is not a directory")
	}

	usage, err := disk.Usage(path)
	if err != nil {
		return fmt.Errorf("reading disk usage of %s: %w", path, err)
	}
	availableSpaceInGB := usage.Free / (1024 * 1024 * 1024)
	if int(availableSpaceInGB) < sc.MinimumFreeSpace {
		return errors.New("not enough space available on disk")
	}

	return nil
}

// calculateDirectorySize calculates the total size of files within a directory
func calculateDirectorySize(path string) (size int64, err error) {
	err = filepath.Walk(path, func(_ string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if !info.IsDir() {
			size += info.Size()
		}
		return nil
	})
	return
}

// logDiskUsage reports free space and the database footprint per path.
func logDiskUsage(log *slog.Logger, paths []string) error {
	for _, path := range paths {
		usage, err := disk.Usage(path)
		if err != nil {
			log.Error("reading disk usage", keyPath, path, keyError, err)
			return err
		}

		pathSize, err := calculateDirectorySize(path)
		if err != nil {
			log.Error("calculating directory size", keyPath, path, keyError, err)
			return err
		}

		log.Info("disk usage",
			keyPath, path,
			keyTotalGB, fmt.Sprintf("%.2f", float64(usage.Total)/1e9),
			keyUsedGB, fmt.Sprintf("%.2f", float64(usage.Used)/1e9),
			keyFreeGB, fmt.Sprintf("%.2f", float64(usage.Free)/1e9),
			keyUsedPct, fmt.Sprintf("%.1f", usage.UsedPercent),
			keyDBSizeGB, fmt.Sprintf("%.2f", float64(pathSize)/1e9),
		)
	}
	return nil
}
