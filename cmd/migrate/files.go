package main

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
)

var (
	migrationFile = regexp.MustCompile(`^(\d+)_([a-z0-9_]+)\.(up|down)\.sql$`)
	migrationName = regexp.MustCompile(`^[a-z0-9_]+$`)
)

// migrationFileInfo is one version found on disk
type migrationFileInfo struct {
	Version uint
	Name    string
}

// listMigrations returns the versions in dir that have an up file, oldest first
func listMigrations(dir string) ([]migrationFileInfo, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("failed to read migrations directory: %w", err)
	}

	var out []migrationFileInfo
	for _, entry := range entries {
		m := migrationFile.FindStringSubmatch(entry.Name())
		if entry.IsDir() || m == nil || m[3] != "up" {
			continue
		}
		v, err := strconv.ParseUint(m[1], 10, 32)
		if err != nil {
			return nil, fmt.Errorf("bad migration version in %s: %w", entry.Name(), err)
		}
		out = append(out, migrationFileInfo{Version: uint(v), Name: m[2]})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Version < out[j].Version })
	return out, nil
}

// createMigration writes an empty up/down pair numbered one past the highest
// existing version and returns the two paths.
func createMigration(dir, name string) (string, string, error) {
	if !migrationName.MatchString(name) {
		return "", "", fmt.Errorf("migration name %q must be lowercase letters, digits and underscores", name)
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", "", fmt.Errorf("failed to create migrations directory: %w", err)
	}

	existing, err := listMigrations(dir)
	if err != nil {
		return "", "", err
	}
	var version uint = 1
	if n := len(existing); n > 0 {
		version = existing[n-1].Version + 1
	}

	base := fmt.Sprintf("%06d_%s", version, name)
	upFile := filepath.Join(dir, base+".up.sql")
	downFile := filepath.Join(dir, base+".down.sql")

	up := fmt.Sprintf("-- %s: premail schema change\n", base)
	down := fmt.Sprintf("-- %s: undo the matching up migration\n", base)
	if err := writeNew(upFile, up); err != nil {
		return "", "", fmt.Errorf("failed to create up migration: %w", err)
	}
	if err := writeNew(downFile, down); err != nil {
		_ = os.Remove(upFile)
		return "", "", fmt.Errorf("failed to create down migration: %w", err)
	}
	return upFile, downFile, nil
}

func writeNew(path, content string) error {
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0644)
	if err != nil {
		return err
	}
	if _, err := f.WriteString(content); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

// pending returns the migrations on disk newer than the applied version
func pending(all []migrationFileInfo, applied uint) []migrationFileInfo {
	var out []migrationFileInfo
	for _, m := range all {
		if m.Version > applied {
			out = append(out, m)
		}
	}
	return out
}
