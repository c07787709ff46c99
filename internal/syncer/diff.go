package syncer

import (
	"github.com/mirror-hub/mirror-hub/internal/adapter"
	"github.com/mirror-hub/mirror-hub/internal/manifest"
)

// plan 是一次远端列表与清单对账的结果。
type plan struct {
	added     []adapter.RemoteEntry
	changed   []adapter.RemoteEntry
	unchanged int
	orphans   []string
}

// buildPlan 把远端条目分为新增/变更/未变更，清单独有的路径记为孤儿。
// 清单是"已同步"的唯一依据, 判定不看目标目录的实际文件时间。
func buildPlan(remote []adapter.RemoteEntry, man *manifest.Set) plan {
	var p plan
	seen := make(map[string]struct{}, len(remote))
	for _, e := range remote {
		seen[e.Path] = struct{}{}
		prev, ok := man.Get(e.Path)
		if !ok {
			p.added = append(p.added, e)
			continue
		}
		if entryChanged(e, prev) {
			p.changed = append(p.changed, e)
		} else {
			p.unchanged++
		}
	}
	for _, path := range man.Paths() {
		if _, ok := seen[path]; !ok {
			p.orphans = append(p.orphans, path)
		}
	}
	return p
}

// entryChanged 判断远端条目相对清单记录是否有变化。
// 远端不提供大小时视为未变; 哈希只在双方都有时参与比较,
// 大小与修改时间一致就不再重算本地哈希。
func entryChanged(e adapter.RemoteEntry, prev manifest.Entry) bool {
	if e.Hash != "" && prev.Hash != "" {
		return e.Hash != prev.Hash
	}
	if e.Size < 0 {
		return false
	}
	if e.Size != prev.Size {
		return true
	}
	if !e.ModTime.IsZero() && e.ModTime.After(prev.ModTime) {
		return true
	}
	return false
}

// fetchCount 返回需要实际拉取的条目总数。
func (p plan) fetchCount() int {
	return len(p.added) + len(p.changed)
}
