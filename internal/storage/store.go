package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"go.uber.org/zap"

	"github.com/aihub/rag-service/internal/config"
	"github.com/aihub/rag-service/internal/logger"
)

// ErrNotFound 源文件不存在
var ErrNotFound = errors.New("source not found")

// SourceStore 上传文件的存放位置，name 为存储后的文件名（<file_id>_<原文件名>）
type SourceStore interface {
	Save(ctx context.Context, name string, r io.Reader, size int64) error
	Open(ctx context.Context, name string) (io.ReadCloser, error)
	Exists(ctx context.Context, name string) (bool, error)
	Delete(ctx context.Context, name string) error
}

// NewSourceStore 按配置选择存储；minio 初始化失败时退回本地目录
func NewSourceStore(ctx context.Context, cfg config.ObjectStorageConfig, uploadPath string) SourceStore {
	if cfg.Provider == "minio" || cfg.Provider == "s3" {
		store, err := NewMinIOStore(ctx, cfg)
		if err == nil {
			return store
		}
		logger.Warn("MinIO not available, using local storage", zap.Error(err))
	}
	return NewLocalStore(uploadPath)
}

// cleanName 只保留文件名部分，拒绝空名和目录跳转
func cleanName(name string) (string, error) {
	base := filepath.Base(strings.ReplaceAll(name, "\\", "/"))
	if base == "." || base == "/" || base == ".." || strings.TrimSpace(base) == "" {
		return "", fmt.Errorf("invalid source name %q", name)
	}
	return base, nil
}

// LocalStore 本地磁盘目录
type LocalStore struct {
	dir string
}

// NewLocalStore 创建本地存储
func NewLocalStore(dir string) *LocalStore {
	if dir == "" {
		dir = "uploads"
	}
	return &LocalStore{dir: dir}
}

// Dir 存储目录
func (s *LocalStore) Dir() string {
	return s.dir
}

func (s *LocalStore) path(name string) (string, error) {
	clean, err := cleanName(name)
	if err != nil {
		return "", err
	}
	return filepath.Join(s.dir, clean), nil
}

func (s *LocalStore) Save(ctx context.Context, name string, r io.Reader, size int64) error {
	path, err := s.path(name)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(s.dir, 0o755); err != nil {
		return fmt.Errorf("create upload dir: %w", err)
	}

	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create %s: %w", path, err)
	}
	if _, err := io.Copy(f, r); err != nil {
		f.Close()
		os.Remove(path)
		return fmt.Errorf("write %s: %w", path, err)
	}
	return f.Close()
}

func (s *LocalStore) Open(ctx context.Context, name string) (io.ReadCloser, error) {
	path, err := s.path(name)
	if err != nil {
		return nil, err
	}
	f, err := os.Open(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, ErrNotFound
	}
	return f, err
}

func (s *LocalStore) Exists(ctx context.Context, name string) (bool, error) {
	path, err := s.path(name)
	if err != nil {
		return false, err
	}
	info, err := os.Stat(path)
	if errors.Is(err, os.ErrNotExist) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return !info.IsDir(), nil
}

func (s *LocalStore) Delete(ctx context.Context, name string) error {
	path, err := s.path(name)
	if err != nil {
		return err
	}
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	return nil
}
