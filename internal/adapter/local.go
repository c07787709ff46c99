package adapter

import (
	"context"
	"errors"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/mirror-hub/mirror-hub/internal/config"
)

// localAdapter 把本机目录当作远端源。Fetch 优先硬链接去重，
// 跨文件系统或权限受限时退化为普通拷贝。
type localAdapter struct {
	src config.SourceConfig
}

func newLocalAdapter(src config.SourceConfig) Adapter {
	return &localAdapter{src: src}
}

func (a *localAdapter) List(ctx context.Context) ([]RemoteEntry, error) {
	root := a.src.Path
	if _, err := os.Stat(root); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, notFoundErr("local_list", err)
		}
		return nil, permanentErr("local_list", err)
	}

	var entries []RemoteEntry
	err := filepath.WalkDir(root, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		if d.IsDir() || !d.Type().IsRegular() {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(root, p)
		if err != nil {
			return err
		}
		entries = append(entries, RemoteEntry{
			Path:    filepath.ToSlash(rel),
			Size:    info.Size(),
			ModTime: info.ModTime(),
		})
		return nil
	})
	if err != nil {
		return nil, transientErr("local_list", err)
	}
	return entries, nil
}

func (a *localAdapter) Fetch(ctx context.Context, entry RemoteEntry, dest string) (int64, error) {
	srcPath := filepath.Join(a.src.Path, filepath.FromSlash(entry.Path))

	info, err := os.Stat(srcPath)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return 0, notFoundErr("local_fetch", err)
		}
		return 0, permanentErr("local_fetch", err)
	}

	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return 0, permanentErr("local_fetch", err)
	}

	// 硬链接是零拷贝去重；同一文件的链接失败再退回流式复制。
	tempName := dest + ".part"
	os.Remove(tempName)
	if err := os.Link(srcPath, tempName); err == nil {
		if err := os.Rename(tempName, dest); err != nil {
			os.Remove(tempName)
			return 0, permanentErr("local_fetch", err)
		}
		return info.Size(), nil
	}

	f, err := os.Open(srcPath)
	if err != nil {
		return 0, permanentErr("local_fetch", err)
	}
	defer f.Close()

	written, err := writeAtomic(ctx, dest, f)
	if err != nil {
		return 0, transientErr("local_fetch", err)
	}
	_ = os.Chtimes(dest, info.ModTime(), info.ModTime())
	return written, nil
}
