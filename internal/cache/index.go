package cache

import (
	"database/sql"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

const indexSchemaVersion = 1

// Index 是缓存元数据的 sqlite 持久层，进程重启后据此恢复 LRU 状态。
type Index struct {
	db *sql.DB
}

// OpenIndex 打开（或初始化）指定路径的索引数据库。
func OpenIndex(path string) (*Index, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open cache index: %w", err)
	}
	// modernc.org/sqlite 的连接不支持并发写，收紧连接数避免锁冲突。
	db.SetMaxOpenConns(1)

	var version int
	if err := db.QueryRow("PRAGMA user_version").Scan(&version); err != nil {
		db.Close()
		return nil, fmt.Errorf("read cache index version: %w", err)
	}
	if version > indexSchemaVersion {
		db.Close()
		return nil, fmt.Errorf("cache index schema version %d is newer than supported %d", version, indexSchemaVersion)
	}
	if _, err := db.Exec(`
CREATE TABLE IF NOT EXISTS entries (
    key              TEXT PRIMARY KEY,
    namespace        TEXT NOT NULL,
    path             TEXT NOT NULL,
    file_path        TEXT NOT NULL,
    size             INTEGER NOT NULL,
    created_at       INTEGER NOT NULL,
    last_accessed_at INTEGER NOT NULL,
    access_count     INTEGER NOT NULL DEFAULT 0,
    ttl_seconds      INTEGER NOT NULL DEFAULT 0
);
CREATE INDEX IF NOT EXISTS idx_entries_namespace ON entries(namespace);
`); err != nil {
		db.Close()
		return nil, fmt.Errorf("init cache index schema: %w", err)
	}
	if _, err := db.Exec(fmt.Sprintf("PRAGMA user_version = %d", indexSchemaVersion)); err != nil {
		db.Close()
		return nil, fmt.Errorf("set cache index version: %w", err)
	}
	return &Index{db: db}, nil
}

// Close 关闭底层数据库。
func (ix *Index) Close() error {
	return ix.db.Close()
}

// Load 读出全部条目，供启动时重建内存态。
func (ix *Index) Load() ([]Entry, error) {
	rows, err := ix.db.Query(`SELECT namespace, path, file_path, size, created_at, last_accessed_at, access_count, ttl_seconds FROM entries`)
	if err != nil {
		return nil, fmt.Errorf("load cache index: %w", err)
	}
	defer rows.Close()

	var out []Entry
	for rows.Next() {
		var e Entry
		var created, accessed, ttlSec int64
		if err := rows.Scan(&e.Locator.Namespace, &e.Locator.Path, &e.FilePath, &e.Size, &created, &accessed, &e.AccessCount, &ttlSec); err != nil {
			return nil, fmt.Errorf("scan cache index row: %w", err)
		}
		e.CreatedAt = time.Unix(0, created)
		e.LastAccessedAt = time.Unix(0, accessed)
		e.TTL = time.Duration(ttlSec) * time.Second
		out = append(out, e)
	}
	return out, rows.Err()
}

// Upsert 插入或覆盖一个条目。
func (ix *Index) Upsert(e Entry) error {
	_, err := ix.db.Exec(`
INSERT INTO entries (key, namespace, path, file_path, size, created_at, last_accessed_at, access_count, ttl_seconds)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT(key) DO UPDATE SET
    file_path = excluded.file_path,
    size = excluded.size,
    created_at = excluded.created_at,
    last_accessed_at = excluded.last_accessed_at,
    access_count = excluded.access_count,
    ttl_seconds = excluded.ttl_seconds
`, e.Locator.Key(), e.Locator.Namespace, e.Locator.Path, e.FilePath, e.Size,
		e.CreatedAt.UnixNano(), e.LastAccessedAt.UnixNano(), e.AccessCount, int64(e.TTL/time.Second))
	if err != nil {
		return fmt.Errorf("upsert cache index entry: %w", err)
	}
	return nil
}

// TouchBatch 批量刷新访问时间与计数，命中路径攒批后调用。
func (ix *Index) TouchBatch(entries []Entry) error {
	if len(entries) == 0 {
		return nil
	}
	tx, err := ix.db.Begin()
	if err != nil {
		return fmt.Errorf("begin cache index touch: %w", err)
	}
	stmt, err := tx.Prepare(`UPDATE entries SET last_accessed_at = ?, access_count = ? WHERE key = ?`)
	if err != nil {
		tx.Rollback()
		return fmt.Errorf("prepare cache index touch: %w", err)
	}
	defer stmt.Close()
	for _, e := range entries {
		if _, err := stmt.Exec(e.LastAccessedAt.UnixNano(), e.AccessCount, e.Locator.Key()); err != nil {
			tx.Rollback()
			return fmt.Errorf("touch cache index entry %s: %w", e.Locator.Key(), err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit cache index touch: %w", err)
	}
	return nil
}

// Delete 删除单个条目，条目不存在不视为错误。
func (ix *Index) Delete(key string) error {
	if _, err := ix.db.Exec(`DELETE FROM entries WHERE key = ?`, key); err != nil {
		return fmt.Errorf("delete cache index entry %s: %w", key, err)
	}
	return nil
}

// Clear 清空全部条目。
func (ix *Index) Clear() error {
	if _, err := ix.db.Exec(`DELETE FROM entries`); err != nil {
		return fmt.Errorf("clear cache index: %w", err)
	}
	return nil
}
