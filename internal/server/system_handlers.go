package server

import (
	"encoding/json"
	"net/http"
	"os"
	"path/filepath"
	"runtime"
	"time"

	"github.com/rs/zerolog"
	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/disk"
	"github.com/shirou/gopsutil/v3/mem"

	"github.com/aristath/hedgebot/internal/database"
)

// SystemStatusResponse is the body of GET /api/system
type SystemStatusResponse struct {
	CPUPercent    float64 `json:"cpu_percent"`
	MemoryPercent float64 `json:"memory_percent"`
	DiskFreeMB    float64 `json:"disk_free_mb"`
	DataDirMB     float64 `json:"data_dir_mb"`
	Goroutines    int     `json:"goroutines"`
	LastChecked   string  `json:"last_checked"`
}

// DBInfo describes one database
type DBInfo struct {
	Name         string  `json:"name"`
	Path         string  `json:"path"`
	SizeMB       float64 `json:"size_mb"`
	WALSizeMB    float64 `json:"wal_size_mb"`
	PageCount    int64   `json:"page_count"`
	ErrorMessage string  `json:"error,omitempty"`
}

// DatabaseStatsResponse is the body of GET /api/system/databases
type DatabaseStatsResponse struct {
	Databases   []DBInfo `json:"databases"`
	TotalSizeMB float64  `json:"total_size_mb"`
	LastChecked string   `json:"last_checked"`
}

// SystemHandlers serves host and database statistics
type SystemHandlers struct {
	dataDir   string
	databases []*database.DB
	log       zerolog.Logger

	cpuPercent func() (float64, error)
	memPercent func() (float64, error)
	diskFree   func(path string) (uint64, error)
}

// NewSystemHandlers creates system handlers for dataDir and the given databases
func NewSystemHandlers(dataDir string, databases []*database.DB, log zerolog.Logger) *SystemHandlers {
	return &SystemHandlers{
		dataDir:    dataDir,
		databases:  databases,
		log:        log.With().Str("component", "system_handlers").Logger(),
		cpuPercent: sampleCPU,
		memPercent: sampleMemory,
		diskFree:   freeBytes,
	}
}

// HandleSystemStatus returns CPU, memory and disk usage
func (h *SystemHandlers) HandleSystemStatus(w http.ResponseWriter, r *http.Request) {
	cpuPct, err := h.cpuPercent()
	if err != nil {
		h.log.Warn().Err(err).Msg("Failed to get CPU percentage")
	}
	memPct, err := h.memPercent()
	if err != nil {
		h.log.Warn().Err(err).Msg("Failed to get memory statistics")
	}

	resp := SystemStatusResponse{
		CPUPercent:    cpuPct,
		MemoryPercent: memPct,
		DataDirMB:     h.getDirSize(h.dataDir),
		Goroutines:    runtime.NumGoroutine(),
		LastChecked:   time.Now().Format(time.RFC3339),
	}
	if h.dataDir != "" {
		if free, err := h.diskFree(h.dataDir); err == nil {
			resp.DiskFreeMB = float64(free) / 1024 / 1024
		} else {
			h.log.Warn().Err(err).Msg("Failed to get disk usage")
		}
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(resp)
}

// HandleDatabaseStats returns file sizes and page counts of the open databases
func (h *SystemHandlers) HandleDatabaseStats(w http.ResponseWriter, r *http.Request) {
	resp := DatabaseStatsResponse{
		Databases:   make([]DBInfo, 0, len(h.databases)),
		LastChecked: time.Now().Format(time.RFC3339),
	}

	for _, db := range h.databases {
		info := DBInfo{Name: db.Name(), Path: db.Path()}
		stats, err := db.GetStats(r.Context())
		if err != nil {
			info.ErrorMessage = err.Error()
		} else {
			info.SizeMB = float64(stats.SizeBytes) / 1024 / 1024
			info.WALSizeMB = float64(stats.WALSizeBytes) / 1024 / 1024
			info.PageCount = stats.PageCount
			resp.TotalSizeMB += info.SizeMB + info.WALSizeMB
		}
		resp.Databases = append(resp.Databases, info)
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(resp)
}

// getDirSize calculates total size of a directory in MB
func (h *SystemHandlers) getDirSize(dirPath string) float64 {
	if dirPath == "" {
		return 0
	}
	var totalSize int64
	err := filepath.Walk(dirPath, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return nil
		}
		if !info.IsDir() {
			totalSize += info.Size()
		}
		return nil
	})
	if err != nil {
		h.log.Warn().Err(err).Str("dir", dirPath).Msg("Failed to calculate directory size")
		return 0
	}
	return float64(totalSize) / 1024 / 1024
}

// sampleCPU averages all CPUs over 100ms so the request stays fast.
func sampleCPU() (float64, error) {
	pct, err := cpu.Percent(100*time.Millisecond, false)
	if err != nil || len(pct) == 0 {
		return 0, err
	}
	return pct[0], nil
}

func sampleMemory() (float64, error) {
	vm, err := mem.VirtualMemory()
	if err != nil {
		return 0, err
	}
	return vm.UsedPercent, nil
}

func freeBytes(path string) (uint64, error) {
	usage, err := disk.Usage(path)
	if err != nil {
		return 0, err
	}
	return usage.Free, nil
}
