package fetch

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// target describes where bytes for one attempt go and how the local copy
// relates to the remote resource.
type target struct {
	path     string
	offset   int64 // bytes already on disk that will be kept
	existed  bool  // path existed before this attempt
	complete bool  // local copy matches the remote size
	renamed  bool  // path differs from the requested one
}

// planTarget decides whether the file at path can be continued. remoteSize
// <= 0 means unknown. A zero remoteMod skips the modification check.
func (e *Env) planTarget(ctx context.Context, path, host string, remoteSize int64, remoteMod time.Time) (target, error) {
	info, err := os.Stat(path)
	if os.IsNotExist(err) {
		return target{path: path}, nil
	}
	if err != nil {
		return target{}, err
	}
	if info.IsDir() {
		return e.alternative(path)
	}

	if e.Ancestry != nil {
		recorded, ok, err := e.Ancestry.AncestryHost(ctx, path)
		if err != nil {
			e.log().Warn("ancestry lookup for %s failed: %v", path, err)
		} else if ok && !strings.EqualFold(recorded, host) {
			e.log().Info("%s belongs to %s, not %s; choosing another name", filepath.Base(path), recorded, host)
			return e.alternative(path)
		}
	}

	t := target{path: path, existed: true}
	size := info.Size()
	if remoteSize > 0 && size == remoteSize {
		t.complete = true
	}

	resumable := remoteSize > 0 && size > 0 && size < remoteSize
	if resumable && e.Config.CheckLastModified && !remoteMod.IsZero() {
		if remoteMod.After(info.ModTime().Add(e.Config.ResumeMtimeTolerance)) {
			e.log().Info("%s changed upstream since the partial copy; restarting", filepath.Base(path))
			resumable = false
		}
	}
	if resumable {
		t.offset = size
	}
	return t, nil
}

func (e *Env) alternative(path string) (target, error) {
	alt, err := alternativePath(path)
	if err != nil {
		return target{}, err
	}
	return target{path: alt, renamed: true}, nil
}

// alternativePath returns the first free "name (n).ext" next to path.
func alternativePath(path string) (string, error) {
	dir := filepath.Dir(path)
	base := filepath.Base(path)
	ext := filepath.Ext(base)
	stem := strings.TrimSuffix(base, ext)
	for n := 1; n < 1000; n++ {
		candidate := filepath.Join(dir, fmt.Sprintf("%s (%d)%s", stem, n, ext))
		if _, err := os.Stat(candidate); os.IsNotExist(err) {
			return candidate, nil
		}
	}
	return "", fmt.Errorf("no free alternative name for %s", base)
}

// open prepares the target file for writing and records its origin host.
func (e *Env) open(ctx context.Context, t target, host string) (*os.File, error) {
	flags := os.O_WRONLY | os.O_CREATE
	if t.offset > 0 {
		flags |= os.O_APPEND
	} else {
		flags |= os.O_TRUNC
	}
	f, err := os.OpenFile(t.path, flags, 0o644)
	if err != nil {
		return nil, &localError{err: fmt.Errorf("could not open %s: %w", t.path, err)}
	}
	if e.Ancestry != nil {
		if err := e.Ancestry.RecordAncestry(ctx, t.path, host); err != nil {
			e.log().Warn("could not record ancestry for %s: %v", t.path, err)
		}
	}
	return f, nil
}

// discard removes a file this attempt created. Pre-existing files stay.
func (e *Env) discard(t target) {
	if t.existed {
		return
	}
	if err := os.Remove(t.path); err != nil && !os.IsNotExist(err) {
		e.log().Warn("could not remove %s: %v", t.path, err)
	}
	if e.Ancestry != nil {
		_ = e.Ancestry.ForgetAncestry(context.Background(), t.path)
	}
}

func ensureDir(dir string) error {
	if dir == "" {
		return nil
	}
	return os.MkdirAll(dir, 0o755)
}

// chtimes stamps path with the remote modification time.
func chtimes(path string, mod time.Time) error {
	if mod.IsZero() {
		return nil
	}
	return os.Chtimes(path, mod, mod)
}
