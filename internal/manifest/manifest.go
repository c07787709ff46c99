package manifest

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"time"
)

// FileName 是清单在目标目录内的固定落点。
const FileName = ".mirror-hub-manifest.json"

// schemaVersion 随磁盘结构演进递增；读到更新的版本直接拒绝，避免静默破坏。
const schemaVersion = 1

// Entry 记录一个已同步文件的事实。清单是“是否已同步”的唯一判据，
// 不允许绕开它直接信任目标目录的 mtime。
type Entry struct {
	Path         string    `json:"path"`
	Size         int64     `json:"size"`
	ModTime      time.Time `json:"mod_time"`
	Hash         string    `json:"hash,omitempty"`
	LastSyncedAt time.Time `json:"last_synced_at"`
}

// Set 是单个目标目录的清单，按相对路径索引。
type Set struct {
	Version int              `json:"version"`
	Entries map[string]Entry `json:"entries"`
}

// NewSet 返回空清单。
func NewSet() *Set {
	return &Set{
		Version: schemaVersion,
		Entries: make(map[string]Entry),
	}
}

// Load 读取目标目录下的清单文件；文件缺失等价于空清单。
func Load(targetDir string) (*Set, error) {
	data, err := os.ReadFile(filepath.Join(targetDir, FileName))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return NewSet(), nil
		}
		return nil, fmt.Errorf("读取清单失败: %w", err)
	}

	var set Set
	if err := json.Unmarshal(data, &set); err != nil {
		return nil, fmt.Errorf("解析清单失败: %w", err)
	}
	if set.Version > schemaVersion {
		return nil, fmt.Errorf("清单版本 %d 高于当前支持的 %d", set.Version, schemaVersion)
	}
	if set.Entries == nil {
		set.Entries = make(map[string]Entry)
	}
	set.Version = schemaVersion
	return &set, nil
}

// Save 原子落盘：先写临时文件再改名，进程崩溃时旧清单保持完好。
func (s *Set) Save(targetDir string) error {
	if err := os.MkdirAll(targetDir, 0o755); err != nil {
		return err
	}

	data, err := json.MarshalIndent(s, "", "  ")
	if err != nil {
		return err
	}

	tempFile, err := os.CreateTemp(targetDir, ".manifest-*")
	if err != nil {
		return err
	}
	tempName := tempFile.Name()

	_, writeErr := tempFile.Write(data)
	closeErr := tempFile.Close()
	if writeErr == nil {
		writeErr = closeErr
	}
	if writeErr != nil {
		os.Remove(tempName)
		return writeErr
	}

	if err := os.Rename(tempName, filepath.Join(targetDir, FileName)); err != nil {
		os.Remove(tempName)
		return err
	}
	return nil
}

// Get 返回指定路径的清单条目。
func (s *Set) Get(path string) (Entry, bool) {
	entry, ok := s.Entries[path]
	return entry, ok
}

// Put 覆盖写入一个条目。
func (s *Set) Put(entry Entry) {
	s.Entries[entry.Path] = entry
}

// Delete 移除一个条目。
func (s *Set) Delete(path string) {
	delete(s.Entries, path)
}

// Len 返回条目数量。
func (s *Set) Len() int {
	return len(s.Entries)
}

// Paths 返回清单内全部路径，顺序不保证。
func (s *Set) Paths() []string {
	paths := make([]string, 0, len(s.Entries))
	for p := range s.Entries {
		paths = append(paths, p)
	}
	return paths
}

// HashFile 计算文件的 sha256。只有当 size/mtime 与清单记录不一致时才需要
// 重新调用，避免每轮全量重哈希。
func HashFile(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()

	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}
