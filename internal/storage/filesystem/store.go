package filesystem

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"boardmail/backend/internal/storage"
)

var _ storage.ObjectStore = (*Store)(nil)

// ErrInvalidKey 对象键不是合法的 SHA-256 十六进制串
var ErrInvalidKey = errors.New("invalid object key")

// Store 文件系统附件对象存储
//
// 对象按内容寻址，键为 SHA-256 十六进制串，路径为 {base}/objects/{ab}/{cd}/{key}。
// 同一内容只写一次，重复 Put 返回相同的键。
type Store struct {
	basePath string
}

// NewStore 创建文件系统存储实例
func NewStore(basePath string) (*Store, error) {
	if strings.Contains(basePath, "..") {
		return nil, fmt.Errorf("invalid base path: path traversal detected: %s", basePath)
	}

	absPath, err := filepath.Abs(basePath)
	if err != nil {
		return nil, fmt.Errorf("invalid base path: %w", err)
	}
	absPath = filepath.Clean(absPath)

	if err := os.MkdirAll(filepath.Join(absPath, "objects"), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create base directory: %w", err)
	}

	return &Store{basePath: absPath}, nil
}

// Put 写入内容并返回其键
func (s *Store) Put(ctx context.Context, content []byte) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}

	sum := sha256.Sum256(content)
	key := hex.EncodeToString(sum[:])
	target := s.objectPath(key)

	if _, err := os.Stat(target); err == nil {
		return key, nil
	}

	dir := filepath.Dir(target)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("failed to create object directory: %w", err)
	}

	// 先写临时文件再改名，读者永远看不到半个对象
	tmp, err := os.CreateTemp(dir, key+".tmp-*")
	if err != nil {
		return "", fmt.Errorf("failed to create temp object: %w", err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := tmp.Write(content); err != nil {
		tmp.Close()
		return "", fmt.Errorf("failed to write object: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return "", fmt.Errorf("failed to sync object: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return "", fmt.Errorf("failed to close object: %w", err)
	}
	if err := os.Rename(tmpName, target); err != nil {
		return "", fmt.Errorf("failed to commit object: %w", err)
	}

	return key, nil
}

// Get 读取对象内容
func (s *Store) Get(ctx context.Context, key string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if !validKey(key) {
		return nil, fmt.Errorf("%w: %q", ErrInvalidKey, key)
	}

	content, err := os.ReadFile(s.objectPath(key))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, storage.ErrNotFound
		}
		return nil, fmt.Errorf("failed to read object: %w", err)
	}

	return content, nil
}

// Health 检查存储目录可写
func (s *Store) Health(context.Context) error {
	f, err := os.CreateTemp(filepath.Join(s.basePath, "objects"), ".health-*")
	if err != nil {
		return fmt.Errorf("object store not writable: %w", err)
	}
	name := f.Name()
	f.Close()
	return os.Remove(name)
}

// GetStorageStats 获取存储统计信息
func (s *Store) GetStorageStats() (map[string]interface{}, error) {
	var totalSize int64
	var objectCount int

	err := filepath.WalkDir(filepath.Join(s.basePath, "objects"), func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil // 跳过错误，继续遍历
		}
		if d.IsDir() || !validKey(d.Name()) {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return nil
		}
		totalSize += info.Size()
		objectCount++
		return nil
	})
	if err != nil {
		return nil, err
	}

	return map[string]interface{}{
		"total_size_bytes": totalSize,
		"total_size_mb":    float64(totalSize) / 1024 / 1024,
		"object_count":     objectCount,
		"base_path":        s.basePath,
	}, nil
}

// objectPath 获取对象路径
// 格式: {base}/objects/{ab}/{cd}/{key}
func (s *Store) objectPath(key string) string {
	return filepath.Join(s.basePath, "objects", key[0:2], key[2:4], key)
}

func validKey(key string) bool {
	if len(key) != sha256.Size*2 {
		return false
	}
	_, err := hex.DecodeString(key)
	return err == nil && strings.ToLower(key) == key
}
