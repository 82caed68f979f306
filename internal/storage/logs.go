package storage

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// LogStorage keeps full build logs as files, one directory per project.
type LogStorage struct {
	BaseDir string
}

// NewLogStorage creates a log storage rooted at baseDir.
func NewLogStorage(baseDir string) *LogStorage {
	return &LogStorage{BaseDir: baseDir}
}

// SaveBuildLog writes the log of one build and returns the file path.
func (ls *LogStorage) SaveBuildLog(project, buildID string, started time.Time, output string) (string, error) {
	dir := filepath.Join(ls.BaseDir, sanitize(project))
	if err := os.MkdirAll(dir, 0o775); err != nil {
		return "", err
	}

	id := sanitize(buildID)
	if len(id) > 8 {
		id = id[:8]
	}
	filename := fmt.Sprintf("%s_%s.log", started.UTC().Format("20060102_150405"), id)
	filePath := filepath.Join(dir, filename)

	if err := os.WriteFile(filePath, []byte(output), 0o644); err != nil {
		return "", err
	}
	return filePath, nil
}

// ReadLog returns the contents of a saved log.
func (ls *LogStorage) ReadLog(path string) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

// sanitize keeps only characters safe for file names.
func sanitize(name string) string {
	var clean strings.Builder
	for _, r := range name {
		if (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') ||
			(r >= '0' && r <= '9') || r == '-' || r == '_' {
			clean.WriteRune(r)
		}
	}
	if clean.Len() == 0 {
		return "build"
	}
	return clean.String()
}
