package adapter

import (
	"context"
	"errors"
	"io/fs"
	"os"
	"path"

	"github.com/studio-b12/gowebdav"

	"github.com/mirror-hub/mirror-hub/internal/config"
)

// webdavAdapter 通过 PROPFIND 遍历远端目录，GET 抓取单文件。
type webdavAdapter struct {
	src    config.SourceConfig
	client *gowebdav.Client
}

func newWebDAVAdapter(src config.SourceConfig) Adapter {
	client := gowebdav.NewClient(src.URL, src.Username, src.Password)
	return &webdavAdapter{src: src, client: client}
}

func (a *webdavAdapter) List(ctx context.Context) ([]RemoteEntry, error) {
	var entries []RemoteEntry
	if err := a.walk(ctx, "/", &entries); err != nil {
		return nil, err
	}
	return entries, nil
}

func (a *webdavAdapter) walk(ctx context.Context, dir string, out *[]RemoteEntry) error {
	if err := ctx.Err(); err != nil {
		return transientErr("webdav_list", err)
	}

	listing, err := a.client.ReadDir(dir)
	if err != nil {
		return classifyWebDAVError("webdav_list", err)
	}

	for _, item := range listing {
		full := path.Join(dir, item.Name())
		if item.IsDir() {
			if err := a.walk(ctx, full, out); err != nil {
				return err
			}
			continue
		}
		*out = append(*out, RemoteEntry{
			Path:    full[1:],
			Size:    item.Size(),
			ModTime: item.ModTime(),
		})
	}
	return nil
}

func (a *webdavAdapter) Fetch(ctx context.Context, entry RemoteEntry, dest string) (int64, error) {
	reader, err := a.client.ReadStream("/" + entry.Path)
	if err != nil {
		return 0, classifyWebDAVError("webdav_fetch", err)
	}
	defer reader.Close()

	written, err := writeAtomic(ctx, dest, reader)
	if err != nil {
		return 0, transientErr("webdav_fetch", err)
	}

	if !entry.ModTime.IsZero() {
		_ = os.Chtimes(dest, entry.ModTime, entry.ModTime)
	}
	return written, nil
}

func classifyWebDAVError(op string, err error) error {
	var statusErr *gowebdav.StatusError
	if errors.As(err, &statusErr) {
		return classifyHTTPStatus(op, statusErr.Status)
	}
	if errors.Is(err, fs.ErrNotExist) {
		return notFoundErr(op, err)
	}
	if errors.Is(err, fs.ErrPermission) {
		return authErr(op, err)
	}
	return transientErr(op, err)
}
