// Package reliability backs up the databases directory to Cloudflare R2 and
// runs the periodic maintenance jobs.
package reliability

import (
	"archive/tar"
	"compress/gzip"
	"context"
	"crypto/sha256"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/aristath/hedgebot/internal/events"
	"github.com/rs/zerolog"
)

const (
	backupPrefix    = "hedgebot-backup-"
	backupSuffix    = ".tar.gz"
	backupTimestamp = "2006-01-02-150405"
	metadataFile    = "backup-metadata.json"

	// Newest backups that survive rotation regardless of age
	minBackupsToKeep = 3
)

// Checkpointer is a database that must flush its WAL before being copied.
type Checkpointer interface {
	Name() string
	WALCheckpoint() error
}

// Emitter publishes backup events.
type Emitter interface {
	Emit(eventType events.EventType, module string, data events.EventData)
}

// BackupMetadata is written into every archive
type BackupMetadata struct {
	Timestamp time.Time      `json:"timestamp"`
	Version   string         `json:"version"`
	Files     []FileMetadata `json:"files"`
}

// FileMetadata describes one archived file
type FileMetadata struct {
	Filename  string `json:"filename"`
	SizeBytes int64  `json:"size_bytes"`
	Checksum  string `json:"checksum"`
}

// BackupInfo represents a backup stored in R2
type BackupInfo struct {
	Filename  string    `json:"filename"`
	Timestamp time.Time `json:"timestamp"`
	SizeBytes int64     `json:"size_bytes"`
	AgeHours  int64     `json:"age_hours"`
}

// R2BackupService archives the databases directory and keeps the bucket rotated
type R2BackupService struct {
	store     ObjectStore
	sourceDir string
	dbs       []Checkpointer
	emitter   Emitter
	log       zerolog.Logger
	now       func() time.Time
}

// NewR2BackupService creates a backup service for sourceDir. dbs are
// checkpointed before every archive; emitter may be nil.
func NewR2BackupService(store ObjectStore, sourceDir string, dbs []Checkpointer, emitter Emitter, log zerolog.Logger) *R2BackupService {
	return &R2BackupService{
		store:     store,
		sourceDir: sourceDir,
		dbs:       dbs,
		emitter:   emitter,
		log:       log.With().Str("service", "r2_backup").Logger(),
		now:       time.Now,
	}
}

// CreateAndUploadBackup archives the job store files and databases and uploads
// the archive. It returns the object key.
func (s *R2BackupService) CreateAndUploadBackup(ctx context.Context) (string, error) {
	s.log.Info().Msg("Starting R2 backup")
	startTime := s.now()

	for _, db := range s.dbs {
		if err := db.WALCheckpoint(); err != nil {
			s.log.Warn().Err(err).Str("database", db.Name()).Msg("WAL checkpoint failed")
		}
	}

	stagingDir, err := os.MkdirTemp("", "hedgebot-r2-staging-")
	if err != nil {
		return "", fmt.Errorf("failed to create staging directory: %w", err)
	}
	defer os.RemoveAll(stagingDir)

	files, err := s.backupFiles()
	if err != nil {
		return "", err
	}
	if len(files) == 0 {
		return "", fmt.Errorf("nothing to back up in %s", s.sourceDir)
	}

	metadata := BackupMetadata{
		Timestamp: startTime.UTC(),
		Version:   "1",
		Files:     make([]FileMetadata, 0, len(files)),
	}
	for _, name := range files {
		dst := filepath.Join(stagingDir, name)
		size, checksum, err := copyWithChecksum(filepath.Join(s.sourceDir, name), dst)
		if err != nil {
			return "", fmt.Errorf("failed to stage %s: %w", name, err)
		}
		metadata.Files = append(metadata.Files, FileMetadata{Filename: name, SizeBytes: size, Checksum: checksum})
	}

	if err := writeMetadata(filepath.Join(stagingDir, metadataFile), metadata); err != nil {
		return "", fmt.Errorf("failed to write metadata: %w", err)
	}

	archiveName := backupPrefix + startTime.Format(backupTimestamp) + backupSuffix
	archivePath := filepath.Join(stagingDir, archiveName)
	if err := createArchive(archivePath, stagingDir, append(files, metadataFile)); err != nil {
		return "", fmt.Errorf("failed to create archive: %w", err)
	}

	archiveFile, err := os.Open(archivePath)
	if err != nil {
		return "", fmt.Errorf("failed to open archive: %w", err)
	}
	defer archiveFile.Close()
	info, err := archiveFile.Stat()
	if err != nil {
		return "", fmt.Errorf("failed to stat archive: %w", err)
	}

	if err := s.store.Upload(ctx, archiveName, archiveFile, info.Size()); err != nil {
		return "", fmt.Errorf("failed to upload to r2: %w", err)
	}

	duration := s.now().Sub(startTime)
	s.log.Info().
		Dur("duration_ms", duration).
		Str("archive", archiveName).
		Int64("size_bytes", info.Size()).
		Msg("R2 backup completed successfully")

	if s.emitter != nil {
		s.emitter.Emit(events.BackupCompleted, "reliability", &events.BackupData{
			Key:       archiveName,
			SizeBytes: info.Size(),
			Duration:  duration.Seconds(),
		})
	}
	return archiveName, nil
}

// backupFiles lists the JSON documents and SQLite files of the source directory.
func (s *R2BackupService) backupFiles() ([]string, error) {
	entries, err := os.ReadDir(s.sourceDir)
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", s.sourceDir, err)
	}
	var files []string
	for _, e := range entries {
		if !e.Type().IsRegular() {
			continue
		}
		switch filepath.Ext(e.Name()) {
		case ".json", ".db":
			files = append(files, e.Name())
		}
	}
	sort.Strings(files)
	return files, nil
}

// ListBackups lists all backups stored in R2, newest first
func (s *R2BackupService) ListBackups(ctx context.Context) ([]BackupInfo, error) {
	objects, err := s.store.List(ctx, backupPrefix)
	if err != nil {
		return nil, fmt.Errorf("failed to list r2 backups: %w", err)
	}

	backups := make([]BackupInfo, 0, len(objects))
	now := s.now()
	for _, obj := range objects {
		if !strings.HasPrefix(obj.Key, backupPrefix) || !strings.HasSuffix(obj.Key, backupSuffix) {
			continue
		}
		stamp := strings.TrimSuffix(strings.TrimPrefix(obj.Key, backupPrefix), backupSuffix)
		timestamp, err := time.ParseInLocation(backupTimestamp, stamp, time.Local)
		if err != nil {
			s.log.Warn().Str("filename", obj.Key).Msg("Failed to parse timestamp from filename")
			continue
		}
		backups = append(backups, BackupInfo{
			Filename:  obj.Key,
			Timestamp: timestamp,
			SizeBytes: obj.SizeBytes,
			AgeHours:  int64(now.Sub(timestamp).Hours()),
		})
	}

	sort.Slice(backups, func(i, j int) bool {
		return backups[i].Timestamp.After(backups[j].Timestamp)
	})
	return backups, nil
}

// RotateOldBackups deletes backups older than retentionDays, always keeping
// the newest three. A zero retention keeps everything.
func (s *R2BackupService) RotateOldBackups(ctx context.Context, retentionDays int) (int, error) {
	backups, err := s.ListBackups(ctx)
	if err != nil {
		return 0, err
	}
	if retentionDays <= 0 || len(backups) <= minBackupsToKeep {
		return 0, nil
	}

	cutoff := s.now().AddDate(0, 0, -retentionDays)
	deleted := 0
	for _, backup := range backups[minBackupsToKeep:] {
		if !backup.Timestamp.Before(cutoff) {
			continue
		}
		if err := s.store.Delete(ctx, backup.Filename); err != nil {
			s.log.Error().Err(err).Str("filename", backup.Filename).Msg("Failed to delete old backup")
			continue
		}
		s.log.Info().Str("filename", backup.Filename).Time("timestamp", backup.Timestamp).Msg("Deleted old backup")
		deleted++
	}

	s.log.Info().
		Int("deleted", deleted).
		Int("remaining", len(backups)-deleted).
		Msg("R2 backup rotation completed")
	return deleted, nil
}

func copyWithChecksum(src, dst string) (int64, string, error) {
	in, err := os.Open(src)
	if err != nil {
		return 0, "", err
	}
	defer in.Close()

	out, err := os.Create(dst)
	if err != nil {
		return 0, "", err
	}
	defer out.Close()

	hash := sha256.New()
	n, err := io.Copy(io.MultiWriter(out, hash), in)
	if err != nil {
		return 0, "", err
	}
	return n, fmt.Sprintf("sha256:%x", hash.Sum(nil)), out.Sync()
}

func writeMetadata(path string, metadata BackupMetadata) error {
	file, err := os.Create(path)
	if err != nil {
		return err
	}
	defer file.Close()

	encoder := json.NewEncoder(file)
	encoder.SetIndent("", "  ")
	return encoder.Encode(metadata)
}

func createArchive(archivePath, sourceDir string, names []string) (err error) {
	archiveFile, err := os.Create(archivePath)
	if err != nil {
		return fmt.Errorf("failed to create archive file: %w", err)
	}
	defer func() {
		if cerr := archiveFile.Close(); err == nil {
			err = cerr
		}
	}()

	gzipWriter := gzip.NewWriter(archiveFile)
	tarWriter := tar.NewWriter(gzipWriter)

	for _, name := range names {
		if err := addFileToArchive(tarWriter, filepath.Join(sourceDir, name), name); err != nil {
			return fmt.Errorf("failed to add %s to archive: %w", name, err)
		}
	}

	if err := tarWriter.Close(); err != nil {
		return err
	}
	return gzipWriter.Close()
}

func addFileToArchive(tarWriter *tar.Writer, filePath, nameInArchive string) error {
	file, err := os.Open(filePath)
	if err != nil {
		return err
	}
	defer file.Close()

	info, err := file.Stat()
	if err != nil {
		return err
	}

	header := &tar.Header{
		Name:    nameInArchive,
		Size:    info.Size(),
		Mode:    int64(info.Mode()),
		ModTime: info.ModTime(),
	}
	if err := tarWriter.WriteHeader(header); err != nil {
		return err
	}
	_, err = io.Copy(tarWriter, file)
	return err
}
