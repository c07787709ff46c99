package manifest

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadMissingReturnsEmptySet(t *testing.T) {
	set, err := Load(t.TempDir())
	if err != nil {
		t.Fatalf("Load 返回错误: %v", err)
	}
	if set.Len() != 0 {
		t.Fatalf("缺失清单应等价于空集合")
	}
}

func TestSaveAndLoadRoundTrip(t *testing.T) {
	dir := t.TempDir()
	set := NewSet()
	set.Put(Entry{
		Path:         "pool/a.deb",
		Size:         42,
		ModTime:      time.Now().Truncate(time.Second).UTC(),
		Hash:         "abc",
		LastSyncedAt: time.Now().UTC(),
	})

	if err := set.Save(dir); err != nil {
		t.Fatalf("Save 返回错误: %v", err)
	}

	loaded, err := Load(dir)
	if err != nil {
		t.Fatalf("Load 返回错误: %v", err)
	}
	entry, ok := loaded.Get("pool/a.deb")
	if !ok {
		t.Fatalf("条目丢失")
	}
	if entry.Size != 42 || entry.Hash != "abc" {
		t.Fatalf("条目内容不对: %+v", entry)
	}
}

func TestLoadRejectsNewerSchema(t *testing.T) {
	dir := t.TempDir()
	payload, _ := json.Marshal(map[string]interface{}{
		"version": schemaVersion + 1,
		"entries": map[string]interface{}{},
	})
	if err := os.WriteFile(filepath.Join(dir, FileName), payload, 0o644); err != nil {
		t.Fatalf("写入失败: %v", err)
	}

	if _, err := Load(dir); err == nil {
		t.Fatalf("更高版本的清单应被拒绝")
	}
}

func TestHashFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "data")
	if err := os.WriteFile(path, []byte("hello"), 0o644); err != nil {
		t.Fatalf("写入失败: %v", err)
	}

	sum, err := HashFile(path)
	if err != nil {
		t.Fatalf("HashFile 返回错误: %v", err)
	}
	// sha256("hello")
	if sum != "2cf24dba5fb0a30e26e83b2ac5b9e29e1b161e5c1fa7425e73043362938b9824" {
		t.Fatalf("哈希不匹配: %s", sum)
	}
}
