package health

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"time"

	"github.com/mirror-hub/mirror-hub/internal/config"
)

// ProbeFunc 对一个源做一次可用性探测，nil 错误表示成功。
type ProbeFunc func(ctx context.Context, src config.SourceConfig) error

const probeTimeout = 10 * time.Second

var probeClient = &http.Client{Timeout: probeTimeout}

// DefaultProbe 按协议类型选择探测方式：
// URL 型源发 HEAD 请求，主机端口型源做 TCP 拨测，本地源检查目录存在。
func DefaultProbe(ctx context.Context, src config.SourceConfig) error {
	switch src.Type {
	case "http", "https", "webdav", "git":
		return probeHTTP(ctx, src.URL)
	case "s3", "oss", "cos":
		if src.Endpoint != "" {
			return probeHTTP(ctx, src.Endpoint)
		}
		return probeHTTP(ctx, fmt.Sprintf("https://s3.%s.amazonaws.com", src.Region))
	case "ftp", "sftp", "rsync":
		return probeTCP(ctx, dialAddr(src))
	case "local":
		if _, err := os.Stat(src.Path); err != nil {
			return fmt.Errorf("probe local path: %w", err)
		}
		return nil
	default:
		return fmt.Errorf("no probe for source type %q", src.Type)
	}
}

func probeHTTP(ctx context.Context, rawURL string) error {
	ctx, cancel := context.WithTimeout(ctx, probeTimeout)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, rawURL, nil)
	if err != nil {
		return fmt.Errorf("build probe request: %w", err)
	}
	resp, err := probeClient.Do(req)
	if err != nil {
		return fmt.Errorf("probe %s: %w", rawURL, err)
	}
	resp.Body.Close()
	// 鉴权类响应也说明服务活着, 只有 5xx 视为探测失败。
	if resp.StatusCode >= 500 {
		return fmt.Errorf("probe %s: status %d", rawURL, resp.StatusCode)
	}
	return nil
}

// dialAddr 求出拨测地址。只配了 URL 的源从中取主机端口,
// 端口缺省按协议补齐, 避免拨向 ":0"。
func dialAddr(src config.SourceConfig) string {
	host, port := src.Host, src.Port
	if host == "" && src.URL != "" {
		if u, err := url.Parse(src.URL); err == nil {
			host = u.Hostname()
			if p, err := strconv.Atoi(u.Port()); err == nil {
				port = p
			}
		}
	}
	if port == 0 {
		switch src.Type {
		case "ftp":
			port = 21
		case "sftp":
			port = 22
		case "rsync":
			port = 873
		}
	}
	return net.JoinHostPort(host, strconv.Itoa(port))
}

func probeTCP(ctx context.Context, addr string) error {
	d := net.Dialer{Timeout: probeTimeout}
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return fmt.Errorf("probe %s: %w", addr, err)
	}
	return conn.Close()
}
