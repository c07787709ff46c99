package adapter

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path"
	"strings"
	"time"

	"github.com/pkg/sftp"
	"golang.org/x/crypto/ssh"

	"github.com/mirror-hub/mirror-hub/internal/config"
)

// sftpAdapter 走 SSH 通道做目录遍历与单文件抓取，私钥优先于密码。
type sftpAdapter struct {
	src         config.SourceConfig
	connTimeout time.Duration
}

func newSFTPAdapter(src config.SourceConfig, connTimeout time.Duration) Adapter {
	return &sftpAdapter{src: src, connTimeout: connTimeout}
}

func (a *sftpAdapter) connect() (*ssh.Client, *sftp.Client, error) {
	sshCfg := &ssh.ClientConfig{
		User:            a.src.Username,
		HostKeyCallback: ssh.InsecureIgnoreHostKey(),
		Timeout:         a.connTimeout,
	}

	if a.src.PrivateKey != "" {
		keyBytes, err := os.ReadFile(a.src.PrivateKey)
		if err != nil {
			return nil, nil, authErr("sftp_connect", fmt.Errorf("read private key: %w", err))
		}
		signer, err := ssh.ParsePrivateKey(keyBytes)
		if err != nil {
			return nil, nil, authErr("sftp_connect", fmt.Errorf("parse private key: %w", err))
		}
		sshCfg.Auth = []ssh.AuthMethod{ssh.PublicKeys(signer)}
	} else {
		sshCfg.Auth = []ssh.AuthMethod{ssh.Password(a.src.Password)}
	}

	addr := fmt.Sprintf("%s:%d", a.src.Host, a.src.Port)
	sshConn, err := ssh.Dial("tcp", addr, sshCfg)
	if err != nil {
		return nil, nil, classifySSHError("sftp_connect", err)
	}

	client, err := sftp.NewClient(sshConn)
	if err != nil {
		sshConn.Close()
		return nil, nil, transientErr("sftp_connect", err)
	}
	return sshConn, client, nil
}

func (a *sftpAdapter) List(ctx context.Context) ([]RemoteEntry, error) {
	sshConn, client, err := a.connect()
	if err != nil {
		return nil, err
	}
	defer sshConn.Close()
	defer client.Close()

	root := a.src.Path
	if root == "" {
		root = "/"
	}

	var entries []RemoteEntry
	walker := client.Walk(root)
	for walker.Step() {
		if err := ctx.Err(); err != nil {
			return nil, transientErr("sftp_list", err)
		}
		if err := walker.Err(); err != nil {
			return nil, classifySFTPError("sftp_list", err)
		}
		info := walker.Stat()
		if info == nil || info.IsDir() {
			continue
		}
		rel, relErr := relativeTo(root, walker.Path())
		if relErr != nil {
			continue
		}
		entries = append(entries, RemoteEntry{
			Path:    rel,
			Size:    info.Size(),
			ModTime: info.ModTime(),
		})
	}
	return entries, nil
}

func (a *sftpAdapter) Fetch(ctx context.Context, entry RemoteEntry, dest string) (int64, error) {
	sshConn, client, err := a.connect()
	if err != nil {
		return 0, err
	}
	defer sshConn.Close()
	defer client.Close()

	root := a.src.Path
	if root == "" {
		root = "/"
	}
	remotePath := path.Join(root, entry.Path)

	remote, err := client.Open(remotePath)
	if err != nil {
		return 0, classifySFTPError("sftp_fetch", err)
	}
	defer remote.Close()

	written, err := writeAtomic(ctx, dest, remote)
	if err != nil {
		return 0, transientErr("sftp_fetch", err)
	}

	if !entry.ModTime.IsZero() {
		_ = os.Chtimes(dest, entry.ModTime, entry.ModTime)
	}
	return written, nil
}

// relativeTo 计算远端绝对路径相对 root 的 URL 风格路径。
func relativeTo(root, full string) (string, error) {
	root = path.Clean(root)
	full = path.Clean(full)
	if root == "/" {
		return full[1:], nil
	}
	if full == root {
		return "", errors.New("path equals root")
	}
	if len(full) <= len(root)+1 || full[:len(root)] != root {
		return "", fmt.Errorf("path %s outside root %s", full, root)
	}
	return full[len(root)+1:], nil
}

func classifySFTPError(op string, err error) error {
	switch {
	case errors.Is(err, fs.ErrNotExist):
		return notFoundErr(op, err)
	case errors.Is(err, fs.ErrPermission):
		return authErr(op, err)
	default:
		return transientErr(op, err)
	}
}

func classifySSHError(op string, err error) error {
	if err == nil {
		return nil
	}
	// 客户端握手阶段的认证失败没有专用错误类型，只能按提示语判断。
	if strings.Contains(err.Error(), "unable to authenticate") {
		return authErr(op, err)
	}
	return transientErr(op, err)
}
