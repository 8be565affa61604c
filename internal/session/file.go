package session

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

// FileStorage persists each key to its own file; writes go through a temp file and a rename
// so a crash never leaves a half-written collection behind.
type FileStorage struct {
	baseDir string
	mu      sync.Mutex
}

// NewFileStorage creates a file-backed store rooted at baseDir.
func NewFileStorage(baseDir string) (*FileStorage, error) {
	if strings.TrimSpace(baseDir) == "" {
		return nil, errors.New("base directory must be provided")
	}
	if err := os.MkdirAll(baseDir, 0o755); err != nil {
		return nil, fmt.Errorf("create storage directory: %w", err)
	}
	return &FileStorage{baseDir: baseDir}, nil
}

func (s *FileStorage) Load(_ context.Context, key string) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := os.ReadFile(s.path(key))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("read %s: %w", key, err)
	}
	return data, nil
}

func (s *FileStorage) Save(_ context.Context, key string, value []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tmp, err := os.CreateTemp(s.baseDir, "state-*.json")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}

	if _, err := tmp.Write(value); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return fmt.Errorf("write %s: %w", key, err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("close temp file: %w", err)
	}
	if err := os.Rename(tmp.Name(), s.path(key)); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("persist %s: %w", key, err)
	}
	return nil
}

func (s *FileStorage) Delete(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := os.Remove(s.path(key)); err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	return nil
}

func (s *FileStorage) path(key string) string {
	return filepath.Join(s.baseDir, fileKey(key)+".json")
}

// fileKey 把 key 编码成文件名：字母、数字、'-' 和 '.' 原样保留，其他字节写成 _xx。
// 编码是单射的，不同的角色/用户名不会落到同一个文件。
func fileKey(value string) string {
	if value == "" {
		return "_"
	}

	const hex = "0123456789abcdef"
	var builder strings.Builder
	for i := 0; i < len(value); i++ {
		c := value[i]
		switch {
		case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z', c >= '0' && c <= '9', c == '-', c == '.':
			builder.WriteByte(c)
		default:
			builder.WriteByte('_')
			builder.WriteByte(hex[c>>4])
			builder.WriteByte(hex[c&0x0f])
		}
	}
	return builder.String()
}

var _ Storage = (*FileStorage)(nil)
