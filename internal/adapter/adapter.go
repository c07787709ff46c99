package adapter

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/mirror-hub/mirror-hub/internal/config"
)

// RemoteEntry 描述远端的一个文件。Size 为 -1 表示列表协议未提供大小，
// Hash 为空表示需要的话由本地计算。
type RemoteEntry struct {
	Path    string
	Size    int64
	ModTime time.Time
	Hash    string
}

// Adapter 是协议后端的统一能力集：列出远端条目、抓取单个条目。
// List 可以重复调用，但不要求支持迭代中断后续传；Fetch 必须先写临时文件
// 再原子改名，保证最终路径上永远观察不到半截文件。
type Adapter interface {
	List(ctx context.Context) ([]RemoteEntry, error)
	Fetch(ctx context.Context, entry RemoteEntry, dest string) (int64, error)
}

// Options 携带各协议共享的连接参数。HTTP 族的超时走注入的 http.Client，
// 这里只管自带拨号的协议。
type Options struct {
	ConnectTimeout time.Duration
}

const defaultConnectTimeout = 30 * time.Second

func (o Options) connectTimeout() time.Duration {
	if o.ConnectTimeout > 0 {
		return o.ConnectTimeout
	}
	return defaultConnectTimeout
}

// New 根据源类型构建对应的协议适配器。http.Client 由调用方注入并全局复用。
func New(src config.SourceConfig, client *http.Client, opts Options) (Adapter, error) {
	switch src.Type {
	case "http", "https":
		return newHTTPAdapter(src, client)
	case "ftp":
		return newFTPAdapter(src, opts.connectTimeout()), nil
	case "sftp":
		return newSFTPAdapter(src, opts.connectTimeout()), nil
	case "rsync":
		return newRsyncAdapter(src, opts.connectTimeout()), nil
	case "git":
		return newGitAdapter(src), nil
	case "s3", "oss", "cos":
		return newObjectAdapter(src)
	case "webdav":
		return newWebDAVAdapter(src), nil
	case "local":
		return newLocalAdapter(src), nil
	default:
		return nil, fmt.Errorf("unsupported source type: %s", src.Type)
	}
}

// writeAtomic 将 r 的内容写入 dest：先落到同目录临时文件，成功后改名。
// 失败路径上临时文件会被清理，dest 要么是旧内容要么是完整新内容。
func writeAtomic(ctx context.Context, dest string, r io.Reader) (int64, error) {
	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return 0, err
	}

	tempFile, err := os.CreateTemp(filepath.Dir(dest), ".fetch-*")
	if err != nil {
		return 0, err
	}
	tempName := tempFile.Name()

	written, err := copyWithContext(ctx, tempFile, r)
	closeErr := tempFile.Close()
	if err == nil {
		err = closeErr
	}
	if err != nil {
		os.Remove(tempName)
		return 0, err
	}

	if err := os.Rename(tempName, dest); err != nil {
		os.Remove(tempName)
		return 0, err
	}
	return written, nil
}

// copyWithContext 等价于 io.Copy，但在每个读块之间检查取消信号。
func copyWithContext(ctx context.Context, dst io.Writer, src io.Reader) (int64, error) {
	var copied int64
	buf := make([]byte, 32*1024)
	for {
		if err := ctx.Err(); err != nil {
			return copied, err
		}
		n, err := src.Read(buf)
		if n > 0 {
			w, wErr := dst.Write(buf[:n])
			copied += int64(w)
			if wErr != nil {
				return copied, wErr
			}
			if w < n {
				return copied, io.ErrShortWrite
			}
		}
		if err != nil {
			if errors.Is(err, io.EOF) {
				return copied, nil
			}
			return copied, err
		}
	}
}
