package adapter

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/mirror-hub/mirror-hub/internal/config"
)

// rsyncAdapter 调用系统 rsync 完成列表与抓取。不实现 delta 协议，
// 校验不一致时由引擎整文件重传，这是可接受的简化。
type rsyncAdapter struct {
	src         config.SourceConfig
	connTimeout time.Duration
}

func newRsyncAdapter(src config.SourceConfig, connTimeout time.Duration) Adapter {
	return &rsyncAdapter{src: src, connTimeout: connTimeout}
}

// contimeoutArg 把连接超时折算成 rsync 的 --contimeout 秒数，至少 1 秒。
func (a *rsyncAdapter) contimeoutArg() string {
	secs := int(a.connTimeout / time.Second)
	if secs < 1 {
		secs = 1
	}
	return fmt.Sprintf("--contimeout=%d", secs)
}

// remoteRoot 规范出 rsync 可接受的远端地址，保证以 / 结尾便于拼接。
func (a *rsyncAdapter) remoteRoot() string {
	root := a.src.URL
	if root == "" {
		root = fmt.Sprintf("rsync://%s/%s", a.src.Host, strings.TrimPrefix(a.src.Path, "/"))
	}
	if !strings.HasSuffix(root, "/") {
		root += "/"
	}
	return root
}

func (a *rsyncAdapter) List(ctx context.Context) ([]RemoteEntry, error) {
	cmd := exec.CommandContext(ctx, "rsync", "--list-only", "--recursive", a.contimeoutArg(), a.remoteRoot())
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		return nil, classifyRsyncError("rsync_list", err, stderr.String())
	}

	var entries []RemoteEntry
	scanner := bufio.NewScanner(&stdout)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		entry, ok := parseRsyncLine(scanner.Text())
		if ok {
			entries = append(entries, entry)
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, transientErr("rsync_list", err)
	}
	return entries, nil
}

// parseRsyncLine 解析 --list-only 的行：
//
//	-rw-r--r--      1,234,567 2024/01/02 03:04:05 path/to/file
//
// 目录、软链与 "." 均被忽略。
func parseRsyncLine(line string) (RemoteEntry, bool) {
	fields := strings.Fields(line)
	if len(fields) < 5 {
		return RemoteEntry{}, false
	}

	mode := fields[0]
	if !strings.HasPrefix(mode, "-") {
		return RemoteEntry{}, false
	}

	size, err := strconv.ParseInt(strings.ReplaceAll(fields[1], ",", ""), 10, 64)
	if err != nil {
		return RemoteEntry{}, false
	}

	modTime, err := time.ParseInLocation("2006/01/02 15:04:05", fields[2]+" "+fields[3], time.Local)
	if err != nil {
		modTime = time.Time{}
	}

	name := strings.Join(fields[4:], " ")
	if name == "." || name == "" {
		return RemoteEntry{}, false
	}
	return RemoteEntry{Path: name, Size: size, ModTime: modTime}, true
}

func (a *rsyncAdapter) Fetch(ctx context.Context, entry RemoteEntry, dest string) (int64, error) {
	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return 0, permanentErr("rsync_fetch", err)
	}

	// rsync 自己写临时文件，但落点交给我们控制：先进隔离目录再原子改名。
	stageDir, err := os.MkdirTemp(filepath.Dir(dest), ".rsync-*")
	if err != nil {
		return 0, permanentErr("rsync_fetch", err)
	}
	defer os.RemoveAll(stageDir)

	staged := filepath.Join(stageDir, filepath.Base(dest))
	cmd := exec.CommandContext(ctx, "rsync", "--times", a.contimeoutArg(), a.remoteRoot()+entry.Path, staged)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		return 0, classifyRsyncError("rsync_fetch", err, stderr.String())
	}

	info, err := os.Stat(staged)
	if err != nil {
		return 0, transientErr("rsync_fetch", err)
	}
	if err := os.Rename(staged, dest); err != nil {
		return 0, permanentErr("rsync_fetch", err)
	}
	return info.Size(), nil
}

// classifyRsyncError 按 rsync 退出码归类：协议/IO 类错误可重试，
// 鉴权失败与文件缺失分别映射到 auth/not-found。
func classifyRsyncError(op string, err error, stderr string) error {
	wrapped := err
	if stderr != "" {
		wrapped = fmt.Errorf("%w: %s", err, strings.TrimSpace(stderr))
	}

	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		switch exitErr.ExitCode() {
		case 5:
			return authErr(op, wrapped)
		case 23, 24:
			return notFoundErr(op, wrapped)
		case 10, 12, 30, 35:
			return transientErr(op, wrapped)
		default:
			return permanentErr(op, wrapped)
		}
	}
	return transientErr(op, wrapped)
}
