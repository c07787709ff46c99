package adapter

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sort"
	"testing"

	"github.com/mirror-hub/mirror-hub/internal/config"
)

func newTestHTTPAdapter(t *testing.T, upstream string, mutate func(*config.SourceConfig)) Adapter {
	t.Helper()
	src := config.SourceConfig{
		Name: "test",
		Type: "http",
		URL:  upstream,
	}
	if mutate != nil {
		mutate(&src)
	}
	a, err := newHTTPAdapter(src, &http.Client{})
	if err != nil {
		t.Fatalf("构建 HTTP 适配器失败: %v", err)
	}
	return a
}

func TestHTTPListParsesIndexRecursively(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`<html><a href="../">up</a><a href="file-a.txt">file-a.txt</a><a href="sub/">sub/</a><a href="?C=M;O=A">sort</a></html>`))
	})
	mux.HandleFunc("/sub/", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`<a href="nested.bin">nested.bin</a>`))
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	a := newTestHTTPAdapter(t, srv.URL, nil)
	entries, err := a.List(context.Background())
	if err != nil {
		t.Fatalf("List 返回错误: %v", err)
	}

	var paths []string
	for _, e := range entries {
		paths = append(paths, e.Path)
	}
	sort.Strings(paths)

	want := []string{"file-a.txt", "sub/nested.bin"}
	if len(paths) != len(want) {
		t.Fatalf("条目数量不对: %v", paths)
	}
	for i := range want {
		if paths[i] != want[i] {
			t.Fatalf("路径不匹配: got %v want %v", paths, want)
		}
	}
}

func TestHTTPListViaAPI(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"files":[{"name":"pkg/tool.tar.gz","size":1024},{"name":"","size":1}]}`))
	}))
	defer srv.Close()

	a := newTestHTTPAdapter(t, srv.URL, func(src *config.SourceConfig) {
		src.ListAPI = srv.URL + "/api/files"
	})
	entries, err := a.List(context.Background())
	if err != nil {
		t.Fatalf("List 返回错误: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("空名字条目应被过滤: %v", entries)
	}
	if entries[0].Path != "pkg/tool.tar.gz" || entries[0].Size != 1024 {
		t.Fatalf("条目内容不对: %+v", entries[0])
	}
}

func TestHTTPFetchWritesAtomically(t *testing.T) {
	payload := []byte("mirror body")
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write(payload)
	}))
	defer srv.Close()

	a := newTestHTTPAdapter(t, srv.URL, nil)
	dest := filepath.Join(t.TempDir(), "deep", "file.bin")

	n, err := a.Fetch(context.Background(), RemoteEntry{Path: "file.bin", Size: -1}, dest)
	if err != nil {
		t.Fatalf("Fetch 返回错误: %v", err)
	}
	if n != int64(len(payload)) {
		t.Fatalf("字节数不对: %d", n)
	}

	got, err := os.ReadFile(dest)
	if err != nil {
		t.Fatalf("读取目标文件失败: %v", err)
	}
	if string(got) != string(payload) {
		t.Fatalf("内容不一致: %s", got)
	}
	if _, err := os.Stat(dest + ".part"); !os.IsNotExist(err) {
		t.Fatalf(".part 残留未清理")
	}
}

func TestHTTPFetchResumesFromPartFile(t *testing.T) {
	full := []byte("0123456789")
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if rng := r.Header.Get("Range"); rng == "bytes=4-" {
			w.WriteHeader(http.StatusPartialContent)
			w.Write(full[4:])
			return
		}
		w.Write(full)
	}))
	defer srv.Close()

	a := newTestHTTPAdapter(t, srv.URL, nil)
	dest := filepath.Join(t.TempDir(), "file.bin")
	if err := os.WriteFile(dest+".part", full[:4], 0o644); err != nil {
		t.Fatalf("写入 part 文件失败: %v", err)
	}

	n, err := a.Fetch(context.Background(), RemoteEntry{Path: "file.bin", Size: int64(len(full))}, dest)
	if err != nil {
		t.Fatalf("Fetch 返回错误: %v", err)
	}
	if n != int64(len(full)) {
		t.Fatalf("续传后总字节数不对: %d", n)
	}

	got, _ := os.ReadFile(dest)
	if string(got) != string(full) {
		t.Fatalf("续传内容错位: %s", got)
	}
}

func TestHTTPFetchClassifiesStatus(t *testing.T) {
	testCases := []struct {
		status int
		want   Class
	}{
		{http.StatusNotFound, ClassNotFound},
		{http.StatusUnauthorized, ClassAuth},
		{http.StatusForbidden, ClassAuth},
		{http.StatusInternalServerError, ClassTransient},
		{http.StatusTeapot, ClassPermanent},
	}

	for _, tc := range testCases {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(tc.status)
		}))
		a := newTestHTTPAdapter(t, srv.URL, nil)

		_, err := a.Fetch(context.Background(), RemoteEntry{Path: "x"}, filepath.Join(t.TempDir(), "x"))
		srv.Close()
		if err == nil {
			t.Fatalf("状态 %d 应返回错误", tc.status)
		}
		if got := Classify(err); got != tc.want {
			t.Fatalf("状态 %d 分类错误: got %s want %s", tc.status, got, tc.want)
		}
	}
}
