package adapter

import (
	"context"
	"errors"
	"fmt"
	"net/textproto"
	"path"
	"strings"
	"time"

	"github.com/jlaffaye/ftp"

	"github.com/mirror-hub/mirror-hub/internal/config"
)

// ftpAdapter 为每次 List/Fetch 建立独立连接，换取并发抓取时的实现简单性。
type ftpAdapter struct {
	src         config.SourceConfig
	connTimeout time.Duration
}

func newFTPAdapter(src config.SourceConfig, connTimeout time.Duration) Adapter {
	return &ftpAdapter{src: src, connTimeout: connTimeout}
}

func (a *ftpAdapter) connect(ctx context.Context) (*ftp.ServerConn, error) {
	addr := fmt.Sprintf("%s:%d", a.src.Host, a.src.Port)
	conn, err := ftp.Dial(addr, ftp.DialWithContext(ctx), ftp.DialWithTimeout(a.connTimeout))
	if err != nil {
		return nil, transientErr("ftp_connect", err)
	}

	user, pass := a.src.Username, a.src.Password
	if user == "" {
		user, pass = "anonymous", "anonymous@"
	}
	if err := conn.Login(user, pass); err != nil {
		conn.Quit()
		return nil, authErr("ftp_login", err)
	}
	return conn, nil
}

func (a *ftpAdapter) List(ctx context.Context) ([]RemoteEntry, error) {
	conn, err := a.connect(ctx)
	if err != nil {
		return nil, err
	}
	defer conn.Quit()

	root := a.src.Path
	if root == "" {
		root = "/"
	}

	var entries []RemoteEntry
	if err := a.walk(ctx, conn, root, "", &entries); err != nil {
		return nil, err
	}
	return entries, nil
}

// walk 递归遍历远端目录树，rel 为相对 root 的路径前缀。
func (a *ftpAdapter) walk(ctx context.Context, conn *ftp.ServerConn, dir, rel string, out *[]RemoteEntry) error {
	if err := ctx.Err(); err != nil {
		return transientErr("ftp_list", err)
	}

	listing, err := conn.List(dir)
	if err != nil {
		return classifyFTPError("ftp_list", err)
	}

	for _, item := range listing {
		if item.Name == "." || item.Name == ".." {
			continue
		}
		switch item.Type {
		case ftp.EntryTypeFolder:
			sub := path.Join(dir, item.Name)
			if err := a.walk(ctx, conn, sub, path.Join(rel, item.Name), out); err != nil {
				return err
			}
		case ftp.EntryTypeFile:
			*out = append(*out, RemoteEntry{
				Path:    path.Join(rel, item.Name),
				Size:    int64(item.Size),
				ModTime: item.Time,
			})
		}
	}
	return nil
}

func (a *ftpAdapter) Fetch(ctx context.Context, entry RemoteEntry, dest string) (int64, error) {
	conn, err := a.connect(ctx)
	if err != nil {
		return 0, err
	}
	defer conn.Quit()

	root := a.src.Path
	if root == "" {
		root = "/"
	}
	remotePath := path.Join(root, entry.Path)

	resp, err := conn.Retr(remotePath)
	if err != nil {
		return 0, classifyFTPError("ftp_fetch", err)
	}
	defer resp.Close()

	written, err := writeAtomic(ctx, dest, resp)
	if err != nil {
		return 0, transientErr("ftp_fetch", err)
	}
	return written, nil
}

// classifyFTPError 依据 FTP 应答码归类：550 视为不存在，530 视为凭证问题。
func classifyFTPError(op string, err error) error {
	var proto *textproto.Error
	if errors.As(err, &proto) {
		switch {
		case proto.Code == ftp.StatusFileUnavailable:
			return notFoundErr(op, err)
		case proto.Code == ftp.StatusNotLoggedIn:
			return authErr(op, err)
		case proto.Code >= 500:
			return permanentErr(op, err)
		}
	}
	if strings.Contains(err.Error(), "550") {
		return notFoundErr(op, err)
	}
	return transientErr(op, err)
}
