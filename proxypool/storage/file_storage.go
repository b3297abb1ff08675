package storage

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"audiorelay/internal/shared/logger"
	"audiorelay/proxypool/model"
)

// Storage persists the validated pool between restarts.
type Storage interface {
	Load() ([]*model.Candidate, error)
	Save(candidates []*model.Candidate) error
}

// FileStorage keeps one proxy URL per line. Lines starting with '#' are
// comments, so operators can hand-edit the file.
type FileStorage struct {
	filePath string
	mu       sync.RWMutex
}

func NewFileStorage(filePath string) *FileStorage {
	return &FileStorage{
		filePath: filePath,
	}
}

// Load returns the stored candidates as Active and unvalidated. A missing
// file is an empty pool.
func (fs *FileStorage) Load() ([]*model.Candidate, error) {
	fs.mu.RLock()
	defer fs.mu.RUnlock()

	l := logger.WithComponent("ProxyPool/Storage")

	file, err := os.Open(fs.filePath)
	if err != nil {
		if os.IsNotExist(err) {
			l.Info().Str("path", fs.filePath).Msg("Proxy list not found, starting with an empty pool.")
			return nil, nil
		}
		return nil, err
	}
	defer file.Close()

	var out []*model.Candidate
	seen := make(map[string]bool)
	scanner := bufio.NewScanner(file)
	lineNum := 0
	for scanner.Scan() {
		lineNum++
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		c, err := model.NewCandidate(line, "storage")
		if err != nil {
			l.Warn().Int("line", lineNum).Err(err).Msg("Skipping malformed line in proxy list.")
			continue
		}
		if seen[c.Address] {
			continue
		}
		seen[c.Address] = true
		out = append(out, c)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("error reading proxy list: %w", err)
	}

	l.Info().Int("count", len(out)).Str("path", fs.filePath).Msg("Loaded proxies from file.")
	return out, nil
}

// Save writes Active and Cooling candidates in the given order. The write goes
// to a temp file that is renamed over the old list.
func (fs *FileStorage) Save(candidates []*model.Candidate) error {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	if dir := filepath.Dir(fs.filePath); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("failed to create proxy list dir: %w", err)
		}
	}

	tmp, err := os.CreateTemp(filepath.Dir(fs.filePath), ".proxies-*.tmp")
	if err != nil {
		return fmt.Errorf("failed to create temp proxy list: %w", err)
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath)

	writer := bufio.NewWriter(tmp)
	for _, c := range candidates {
		if c.State == model.Dead || c.Source == model.SourceOverride {
			continue
		}
		if _, err := writer.WriteString(c.Address + "\n"); err != nil {
			tmp.Close()
			return fmt.Errorf("failed to write proxy list: %w", err)
		}
	}
	if err := writer.Flush(); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to flush proxy list: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmpPath, fs.filePath); err != nil {
		return fmt.Errorf("failed to replace proxy list: %w", err)
	}

	l := logger.WithComponent("ProxyPool/Storage")
	l.Debug().Int("count", len(candidates)).Str("path", fs.filePath).Msg("Proxy list saved.")
	return nil
}
