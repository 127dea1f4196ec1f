package reliability

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
	"github.com/shirou/gopsutil/v3/disk"
)

// Job is a unit of scheduled work
type Job interface {
	Run() error
	Name() string
}

// Cron runs jobs on cron schedules with a leading seconds field
type Cron struct {
	cron *cron.Cron
	log  zerolog.Logger
}

// NewCron creates a stopped scheduler
func NewCron(log zerolog.Logger) *Cron {
	return &Cron{
		cron: cron.New(cron.WithSeconds()),
		log:  log.With().Str("component", "cron").Logger(),
	}
}

// AddJob registers job under schedule, e.g. "0 0 */6 * * *" or "@every 1h"
func (c *Cron) AddJob(schedule string, job Job) error {
	_, err := c.cron.AddFunc(schedule, func() {
		c.log.Debug().Str("job", job.Name()).Msg("Running job")
		if err := job.Run(); err != nil {
			c.log.Error().Err(err).Str("job", job.Name()).Msg("Job failed")
			return
		}
		c.log.Debug().Str("job", job.Name()).Msg("Job completed")
	})
	if err != nil {
		return fmt.Errorf("invalid schedule %q for %s: %w", schedule, job.Name(), err)
	}
	c.log.Info().Str("schedule", schedule).Str("job", job.Name()).Msg("Job registered")
	return nil
}

// Start starts the scheduler
func (c *Cron) Start() {
	c.cron.Start()
	c.log.Info().Msg("Cron started")
}

// Stop stops the scheduler and waits for running jobs
func (c *Cron) Stop() {
	<-c.cron.Stop().Done()
	c.log.Info().Msg("Cron stopped")
}

// BackupJob uploads a backup and rotates old ones
type BackupJob struct {
	service       *R2BackupService
	retentionDays int
	timeout       time.Duration
	log           zerolog.Logger
}

// NewBackupJob creates the scheduled backup job
func NewBackupJob(service *R2BackupService, retentionDays int, log zerolog.Logger) *BackupJob {
	return &BackupJob{
		service:       service,
		retentionDays: retentionDays,
		timeout:       10 * time.Minute,
		log:           log.With().Str("job", "r2_backup").Logger(),
	}
}

func (j *BackupJob) Name() string {
	return "r2_backup"
}

func (j *BackupJob) Run() error {
	ctx, cancel := context.WithTimeout(context.Background(), j.timeout)
	defer cancel()

	if _, err := j.service.CreateAndUploadBackup(ctx); err != nil {
		return err
	}
	if _, err := j.service.RotateOldBackups(ctx, j.retentionDays); err != nil {
		// the new backup is already stored
		j.log.Warn().Err(err).Msg("Backup rotation failed")
	}
	return nil
}

// MaintenanceJob checkpoints the databases and checks free disk space
type MaintenanceJob struct {
	dbs     []Checkpointer
	dataDir string
	minFree uint64
	usage   func(path string) (*disk.UsageStat, error)
	log     zerolog.Logger
}

// NewMaintenanceJob creates the maintenance job for the databases under dataDir
func NewMaintenanceJob(dbs []Checkpointer, dataDir string, log zerolog.Logger) *MaintenanceJob {
	return &MaintenanceJob{
		dbs:     dbs,
		dataDir: dataDir,
		minFree: 500 * 1024 * 1024,
		usage:   disk.Usage,
		log:     log.With().Str("job", "maintenance").Logger(),
	}
}

func (j *MaintenanceJob) Name() string {
	return "maintenance"
}

func (j *MaintenanceJob) Run() error {
	startTime := time.Now()

	for _, db := range j.dbs {
		if err := db.WALCheckpoint(); err != nil {
			j.log.Warn().Err(err).Str("database", db.Name()).Msg("WAL checkpoint failed")
		}
	}

	usage, err := j.usage(j.dataDir)
	if err != nil {
		return fmt.Errorf("failed to stat filesystem: %w", err)
	}
	j.log.Debug().
		Uint64("free_bytes", usage.Free).
		Float64("used_percent", usage.UsedPercent).
		Msg("Disk space check")
	if usage.Free < j.minFree {
		j.log.Error().Uint64("free_bytes", usage.Free).Msg("Insufficient disk space for the job store")
		return fmt.Errorf("only %d MB free under %s", usage.Free/1024/1024, j.dataDir)
	}

	j.log.Info().Dur("duration_ms", time.Since(startTime)).Msg("Maintenance completed")
	return nil
}
