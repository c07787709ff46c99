package adapter

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/mirror-hub/mirror-hub/internal/config"
)

// maxIndexDepth 限制 HTML 索引递归层数，防止自引用目录把爬取拖入死循环。
const maxIndexDepth = 8

var linkPattern = regexp.MustCompile(`(?i)<a\s+[^>]*href="([^"]+)"`)

// httpAdapter 通过解析目录索引页（或 JSON 清单接口）同步 HTTP 文件站。
type httpAdapter struct {
	src    config.SourceConfig
	client *http.Client
	base   *url.URL
}

func newHTTPAdapter(src config.SourceConfig, client *http.Client) (Adapter, error) {
	base, err := url.Parse(strings.TrimSuffix(src.URL, "/") + "/")
	if err != nil {
		return nil, fmt.Errorf("parse source url: %w", err)
	}
	return &httpAdapter{src: src, client: client, base: base}, nil
}

func (a *httpAdapter) List(ctx context.Context) ([]RemoteEntry, error) {
	if a.src.ListAPI != "" {
		return a.listViaAPI(ctx)
	}

	var entries []RemoteEntry
	if err := a.crawl(ctx, "", 0, &entries); err != nil {
		return nil, err
	}
	return entries, nil
}

// listViaAPI 请求 JSON 清单接口，返回 {"files": [{"name","size"}]} 结构。
func (a *httpAdapter) listViaAPI(ctx context.Context) ([]RemoteEntry, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, a.src.ListAPI, nil)
	if err != nil {
		return nil, permanentErr("http_list", err)
	}
	a.applyAuth(req)

	resp, err := a.client.Do(req)
	if err != nil {
		return nil, transientErr("http_list", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, classifyHTTPStatus("http_list", resp.StatusCode)
	}

	var payload struct {
		Files []struct {
			Name string `json:"name"`
			Size int64  `json:"size"`
		} `json:"files"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return nil, permanentErr("http_list", fmt.Errorf("decode file list: %w", err))
	}

	entries := make([]RemoteEntry, 0, len(payload.Files))
	for _, f := range payload.Files {
		if f.Name == "" {
			continue
		}
		size := f.Size
		if size == 0 {
			size = -1
		}
		entries = append(entries, RemoteEntry{Path: f.Name, Size: size})
	}
	return entries, nil
}

// crawl 递归解析索引页。目录链接（以 / 结尾）进入下一层，文件链接收集为条目。
func (a *httpAdapter) crawl(ctx context.Context, dir string, depth int, out *[]RemoteEntry) error {
	if depth > maxIndexDepth {
		return nil
	}

	pageURL := a.base.JoinPath(strings.Split(dir, "/")...)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, pageURL.String(), nil)
	if err != nil {
		return permanentErr("http_list", err)
	}
	a.applyAuth(req)

	resp, err := a.client.Do(req)
	if err != nil {
		return transientErr("http_list", err)
	}
	body, readErr := io.ReadAll(io.LimitReader(resp.Body, 8<<20))
	resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return classifyHTTPStatus("http_list", resp.StatusCode)
	}
	if readErr != nil {
		return transientErr("http_list", readErr)
	}

	for _, match := range linkPattern.FindAllStringSubmatch(string(body), -1) {
		href := match[1]
		if !usableLink(href) {
			continue
		}
		if strings.HasSuffix(href, "/") {
			sub := path.Join(dir, strings.TrimSuffix(href, "/"))
			if err := a.crawl(ctx, sub, depth+1, out); err != nil {
				return err
			}
			continue
		}
		name := path.Base(href)
		*out = append(*out, RemoteEntry{
			Path: path.Join(dir, name),
			Size: -1,
		})
	}
	return nil
}

// usableLink 过滤父目录、排序参数以及跳到其他站点的链接。
func usableLink(href string) bool {
	if href == "" || href == "../" || href == "./" || href == "/" {
		return false
	}
	if strings.HasPrefix(href, "?") || strings.HasPrefix(href, "#") {
		return false
	}
	if strings.HasPrefix(href, "http://") || strings.HasPrefix(href, "https://") ||
		strings.HasPrefix(href, "//") || strings.HasPrefix(href, "/") {
		return false
	}
	if strings.Contains(href, "..") {
		return false
	}
	return true
}

func (a *httpAdapter) Fetch(ctx context.Context, entry RemoteEntry, dest string) (int64, error) {
	fileURL := a.base.JoinPath(strings.Split(entry.Path, "/")...)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, fileURL.String(), nil)
	if err != nil {
		return 0, permanentErr("http_fetch", err)
	}
	a.applyAuth(req)

	// 断点续传：若上次的 .part 残留存在，用 Range 从断点继续。
	partPath := dest + ".part"
	var offset int64
	if info, statErr := os.Stat(partPath); statErr == nil && info.Size() > 0 {
		offset = info.Size()
		req.Header.Set("Range", fmt.Sprintf("bytes=%d-", offset))
	}

	resp, err := a.client.Do(req)
	if err != nil {
		return 0, transientErr("http_fetch", err)
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
		// 上游不支持 Range，从头写。
		offset = 0
	case http.StatusPartialContent:
	case http.StatusRequestedRangeNotSatisfiable:
		// 残留文件比远端还大，丢弃重来。
		os.Remove(partPath)
		return a.Fetch(ctx, entry, dest)
	default:
		return 0, classifyHTTPStatus("http_fetch", resp.StatusCode)
	}

	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return 0, permanentErr("http_fetch", err)
	}

	flags := os.O_CREATE | os.O_WRONLY
	if offset > 0 {
		flags |= os.O_APPEND
	} else {
		flags |= os.O_TRUNC
	}
	part, err := os.OpenFile(partPath, flags, 0o644)
	if err != nil {
		return 0, permanentErr("http_fetch", err)
	}

	written, err := copyWithContext(ctx, part, resp.Body)
	closeErr := part.Close()
	if err == nil {
		err = closeErr
	}
	if err != nil {
		// 保留 .part 给下次续传，但取消之外的写失败直接清理。
		if ctx.Err() == nil {
			os.Remove(partPath)
		}
		return 0, transientErr("http_fetch", err)
	}

	if err := os.Rename(partPath, dest); err != nil {
		os.Remove(partPath)
		return 0, permanentErr("http_fetch", err)
	}

	if !entry.ModTime.IsZero() {
		_ = os.Chtimes(dest, entry.ModTime, entry.ModTime)
	}
	return offset + written, nil
}

func (a *httpAdapter) applyAuth(req *http.Request) {
	if a.src.Username != "" && a.src.Password != "" {
		req.SetBasicAuth(a.src.Username, a.src.Password)
	}
}
