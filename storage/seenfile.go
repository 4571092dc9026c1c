package storage

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"dari_scrooper/models"
)

// SeenFile is the newline-delimited backup of the seen identity set.
type SeenFile struct {
	path string
}

func NewSeenFile(path string) *SeenFile {
	return &SeenFile{path: path}
}

// Load reads the backup. A missing file is an empty set.
func (f *SeenFile) Load(ctx context.Context) (models.SeenSet, error) {
	seen := models.NewSeenSet()

	file, err := os.Open(f.path)
	if err != nil {
		if os.IsNotExist(err) {
			return seen, nil
		}
		return nil, err
	}
	defer file.Close()

	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		if key := strings.TrimSpace(scanner.Text()); key != "" {
			seen.Add(key)
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read %s: %w", f.path, err)
	}
	return seen, nil
}

// Save replaces the backup atomically with the sorted keys of seen.
func (f *SeenFile) Save(ctx context.Context, seen models.SeenSet) error {
	dir := filepath.Dir(f.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}

	tmp, err := os.CreateTemp(dir, ".seen-*")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())

	w := bufio.NewWriter(tmp)
	for _, key := range seen.Keys() {
		w.WriteString(key)
		w.WriteByte('\n')
	}
	if err := w.Flush(); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), f.path)
}
