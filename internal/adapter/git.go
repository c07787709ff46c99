package adapter

import (
	"context"
	"errors"
	"io/fs"
	"os"
	"path/filepath"

	git "github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/transport"
	githttp "github.com/go-git/go-git/v5/plumbing/transport/http"

	"github.com/mirror-hub/mirror-hub/internal/config"
)

// gitAdapter 用浅克隆把仓库工作树当作文件清单来源：List 先把暂存克隆
// 同步到远端最新提交，再遍历工作树；Fetch 从暂存克隆拷贝单个文件。
// 不维护完整对象模型，只关心工作树内容。
type gitAdapter struct {
	src config.SourceConfig

	// stageDir 是浅克隆落点；为空时退到系统临时目录下的稳定路径。
	stageDir string
}

func newGitAdapter(src config.SourceConfig) Adapter {
	stage := src.Path
	if stage == "" {
		stage = filepath.Join(os.TempDir(), "mirror-hub-git", src.Name)
	}
	return &gitAdapter{src: src, stageDir: stage}
}

func (a *gitAdapter) auth() transport.AuthMethod {
	if a.src.Username != "" && a.src.Password != "" {
		return &githttp.BasicAuth{Username: a.src.Username, Password: a.src.Password}
	}
	return nil
}

// refresh 确保暂存克隆存在并指向远端最新状态。
func (a *gitAdapter) refresh(ctx context.Context) error {
	repo, err := git.PlainOpen(a.stageDir)
	if errors.Is(err, git.ErrRepositoryNotExists) {
		_, cloneErr := git.PlainCloneContext(ctx, a.stageDir, false, &git.CloneOptions{
			URL:           a.src.URL,
			Auth:          a.auth(),
			Depth:         a.src.Depth,
			SingleBranch:  true,
			ReferenceName: plumbing.NewBranchReferenceName(a.src.Branch),
		})
		if cloneErr != nil {
			return classifyGitError("git_clone", cloneErr)
		}
		return nil
	}
	if err != nil {
		return permanentErr("git_open", err)
	}

	worktree, err := repo.Worktree()
	if err != nil {
		return permanentErr("git_open", err)
	}

	err = worktree.PullContext(ctx, &git.PullOptions{
		Auth:          a.auth(),
		Depth:         a.src.Depth,
		SingleBranch:  true,
		ReferenceName: plumbing.NewBranchReferenceName(a.src.Branch),
		Force:         true,
	})
	if err != nil && !errors.Is(err, git.NoErrAlreadyUpToDate) {
		return classifyGitError("git_pull", err)
	}
	return nil
}

func (a *gitAdapter) List(ctx context.Context) ([]RemoteEntry, error) {
	if err := a.refresh(ctx); err != nil {
		return nil, err
	}

	var entries []RemoteEntry
	err := filepath.WalkDir(a.stageDir, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			if d.Name() == git.GitDirName {
				return filepath.SkipDir
			}
			return nil
		}
		if !d.Type().IsRegular() {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(a.stageDir, p)
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
		return nil, transientErr("git_list", err)
	}
	return entries, nil
}

func (a *gitAdapter) Fetch(ctx context.Context, entry RemoteEntry, dest string) (int64, error) {
	staged := filepath.Join(a.stageDir, filepath.FromSlash(entry.Path))

	f, err := os.Open(staged)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return 0, notFoundErr("git_fetch", err)
		}
		return 0, permanentErr("git_fetch", err)
	}
	defer f.Close()

	written, err := writeAtomic(ctx, dest, f)
	if err != nil {
		return 0, transientErr("git_fetch", err)
	}
	return written, nil
}

func classifyGitError(op string, err error) error {
	switch {
	case errors.Is(err, transport.ErrAuthenticationRequired), errors.Is(err, transport.ErrAuthorizationFailed):
		return authErr(op, err)
	case errors.Is(err, transport.ErrRepositoryNotFound):
		return notFoundErr(op, err)
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return transientErr(op, err)
	default:
		return transientErr(op, err)
	}
}
