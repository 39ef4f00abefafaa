// Package installer holds the file-system and process adapters a session uses
// to cache payloads and run package commands.
package installer

import (
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"

	"bundleretry/internal/session"
	"bundleretry/pkg/retry"
)

// FileAcquirer copies payloads into Dir/<package>/<payload>.
type FileAcquirer struct {
	Dir    string
	Logger *slog.Logger
}

// NewFileAcquirer returns an acquirer rooted at dir.
func NewFileAcquirer(dir string, logger *slog.Logger) *FileAcquirer {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &FileAcquirer{Dir: dir, Logger: logger}
}

// Path returns the cache location of a payload. Both ids must pass
// session.CheckID.
func (a *FileAcquirer) Path(pkg session.Package, payload session.Payload) string {
	return filepath.Join(a.Dir, pkg.ID, payload.ID)
}

// Acquire copies the payload source into the cache. A partially written file
// never replaces a cached one. Ids that would leave the cache are refused with
// ERROR_INVALID_NAME.
func (a *FileAcquirer) Acquire(ctx context.Context, pkg session.Package, payload session.Payload) int32 {
	for _, id := range []string{pkg.ID, payload.ID} {
		if err := session.CheckID(id); err != nil {
			a.Logger.ErrorContext(ctx, "payload refused",
				slog.String("package", pkg.ID),
				slog.String("payload", payload.ID),
				slog.Any("err", err))
			return retry.ErrorInvalidName
		}
	}
	dst := a.Path(pkg, payload)
	if err := a.copy(ctx, payload.Source, dst); err != nil {
		code := retry.ResultFromError(err)
		a.Logger.WarnContext(ctx, "payload acquisition failed",
			slog.String("package", pkg.ID),
			slog.String("payload", payload.ID),
			slog.String("source", payload.Source),
			slog.String("code", retry.FormatCode(code)),
			slog.Any("err", err))
		return code
	}
	a.Logger.DebugContext(ctx, "payload cached",
		slog.String("package", pkg.ID),
		slog.String("payload", payload.ID),
		slog.String("path", dst))
	return 0
}

func (a *FileAcquirer) copy(ctx context.Context, src, dst string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer func() { _ = in.Close() }()

	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(filepath.Dir(dst), "."+filepath.Base(dst)+".*")
	if err != nil {
		return err
	}
	committed := false
	defer func() {
		if !committed {
			_ = tmp.Close()
			_ = os.Remove(tmp.Name())
		}
	}()

	if _, err := io.Copy(tmp, ctxReader{ctx: ctx, r: in}); err != nil {
		return err
	}
	if err := tmp.Sync(); err != nil {
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmp.Name(), dst); err != nil {
		return err
	}
	committed = true
	return nil
}

// ctxReader stops a copy once ctx is done.
type ctxReader struct {
	ctx context.Context
	r   io.Reader
}

func (r ctxReader) Read(p []byte) (int, error) {
	if err := r.ctx.Err(); err != nil {
		return 0, err
	}
	return r.r.Read(p)
}
