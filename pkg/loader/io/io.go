package io

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"golang.org/x/sync/singleflight"
)

// FileSource reads document bodies from the local filesystem with caching.
// When Root is set, paths are resolved inside it and may not escape it.
type FileSource struct {
	Root string

	cache   map[string][]byte
	cacheMu sync.RWMutex
	group   singleflight.Group
}

// NewFileSource creates a new filesystem-based source.
func NewFileSource(root string) *FileSource {
	return &FileSource{
		Root:  root,
		cache: make(map[string][]byte),
	}
}

// Read implements loader.Source.
func (l *FileSource) Read(ctx context.Context, path string) ([]byte, error) {
	full, err := l.resolve(path)
	if err != nil {
		return nil, err
	}

	l.cacheMu.RLock()
	if cached, ok := l.cache[full]; ok {
		l.cacheMu.RUnlock()
		return cached, nil
	}
	l.cacheMu.RUnlock()

	result, err, _ := l.group.Do(full, func() (any, error) {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		data, err := os.ReadFile(full)
		if err != nil {
			return nil, err
		}

		l.cacheMu.Lock()
		l.cache[full] = data
		l.cacheMu.Unlock()

		return data, nil
	})
	if err != nil {
		return nil, err
	}
	return result.([]byte), nil
}

func (l *FileSource) resolve(path string) (string, error) {
	path = strings.TrimPrefix(path, "file://")
	if l.Root == "" {
		return filepath.Clean(path), nil
	}
	full := filepath.Join(l.Root, filepath.Clean("/"+path))
	rel, err := filepath.Rel(l.Root, full)
	if err != nil || strings.HasPrefix(rel, "..") {
		return "", fmt.Errorf("path %q escapes source root", path)
	}
	return full, nil
}
