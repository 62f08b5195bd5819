// Package library implements triage.Library over a directory of image files.
package library

import (
	"context"
	"errors"
	"fmt"
	"image"
	"io"
	"io/fs"
	"os"
	"os/exec"
	"path/filepath"
	"slices"
	"strings"
	"time"

	"github.com/disintegration/imaging"
	lru "github.com/hashicorp/golang-lru/v2"
	"golang.org/x/sync/singleflight"

	"github.com/linnemanlabs/go-core/log"

	"github.com/linnemanlabs/culler/internal/triage"
)

// ErrUnsupported is returned by OpenSettings when no opener is configured.
// It matches errors.ErrUnsupported.
var ErrUnsupported = fmt.Errorf("library settings: %w", errors.ErrUnsupported)

var imageExts = map[string]bool{
	".jpg":  true,
	".jpeg": true,
	".png":  true,
	".gif":  true,
	".bmp":  true,
	".tif":  true,
	".tiff": true,
}

// Config describes a directory library.
type Config struct {
	// Root is the library directory.
	Root string
	// Include restricts the library to these subdirectories of Root.
	// A non-empty Include reports limited authorization.
	Include []string
	// TrashDir receives deleted files. Relative paths are resolved against
	// Root. Empty means files are removed.
	TrashDir string
	// CacheSize is the number of rendered images kept in memory.
	CacheSize int
	// Opener is the command OpenSettings runs with Root as its argument.
	Opener string
}

// Dir is a filesystem photo library. Asset ids are slash-separated paths
// relative to the root.
type Dir struct {
	cfg    Config
	trash  string
	logger log.Logger
	cache  *lru.Cache[string, image.Image]
	group  singleflight.Group

	// run executes the opener; replaced in tests
	run func(ctx context.Context, name string, args ...string) error
}

// New returns a Dir for cfg. The root does not need to exist yet.
func New(cfg Config, logger log.Logger) (*Dir, error) {
	if cfg.Root == "" {
		return nil, errors.New("library root is required")
	}
	if logger == nil {
		logger = log.Nop()
	}
	if cfg.CacheSize <= 0 {
		cfg.CacheSize = 64
	}

	cache, err := lru.New[string, image.Image](cfg.CacheSize)
	if err != nil {
		return nil, fmt.Errorf("create image cache: %w", err)
	}

	root, err := filepath.Abs(cfg.Root)
	if err != nil {
		return nil, fmt.Errorf("resolve root: %w", err)
	}
	cfg.Root = root

	var trash string
	if cfg.TrashDir != "" {
		trash = cfg.TrashDir
		if !filepath.IsAbs(trash) {
			trash = filepath.Join(root, trash)
		}
		trash = filepath.Clean(trash)
	}

	return &Dir{
		cfg:    cfg,
		trash:  trash,
		logger: logger,
		cache:  cache,
		run: func(ctx context.Context, name string, args ...string) error {
			return exec.CommandContext(ctx, name, args...).Run()
		},
	}, nil
}

// Authorize reports access to the root. A filesystem never prompts, so
// the result is always determined.
func (d *Dir) Authorize(_ context.Context) (triage.Authorization, error) {
	fi, err := os.Stat(d.cfg.Root)
	if errors.Is(err, fs.ErrNotExist) {
		return triage.AuthRestricted, nil
	}
	if err != nil || !fi.IsDir() {
		return triage.AuthDenied, nil
	}

	f, err := os.Open(d.cfg.Root)
	if err != nil {
		return triage.AuthDenied, nil
	}
	_, err = f.Readdirnames(1)
	_ = f.Close()
	if err != nil && !errors.Is(err, io.EOF) {
		return triage.AuthDenied, nil
	}

	if len(d.cfg.Include) > 0 {
		return triage.AuthLimited, nil
	}
	return triage.AuthAuthorized, nil
}

type listed struct {
	id  triage.AssetID
	mod time.Time
}

// ListAssetIDs walks the visible part of the library and returns image
// files newest first.
func (d *Dir) ListAssetIDs(ctx context.Context) ([]triage.AssetID, error) {
	var found []listed
	for _, base := range d.walkRoots() {
		err := filepath.WalkDir(base, func(path string, e fs.DirEntry, err error) error {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return ctxErr
			}
			if err != nil {
				if path == base {
					if errors.Is(err, fs.ErrNotExist) && base != d.cfg.Root {
						d.logger.Warn(ctx, "included directory missing", "dir", base)
						return fs.SkipDir
					}
					return err
				}
				d.logger.Warn(ctx, "skipping unreadable entry", "path", path, "error", err)
				if e != nil && e.IsDir() {
					return fs.SkipDir
				}
				return nil
			}

			if path != base && strings.HasPrefix(e.Name(), ".") {
				if e.IsDir() {
					return fs.SkipDir
				}
				return nil
			}
			if e.IsDir() {
				if d.trash != "" && path == d.trash {
					return fs.SkipDir
				}
				return nil
			}
			if !e.Type().IsRegular() || !imageExts[strings.ToLower(filepath.Ext(path))] {
				return nil
			}

			info, err := e.Info()
			if err != nil {
				// removed mid-walk
				return nil
			}
			rel, err := filepath.Rel(d.cfg.Root, path)
			if err != nil {
				return nil
			}
			found = append(found, listed{id: triage.AssetID(filepath.ToSlash(rel)), mod: info.ModTime()})
			return nil
		})
		if err != nil {
			return nil, fmt.Errorf("walk %s: %w", base, err)
		}
	}

	slices.SortFunc(found, func(a, b listed) int {
		if c := b.mod.Compare(a.mod); c != 0 {
			return c
		}
		return strings.Compare(string(a.id), string(b.id))
	})

	ids := make([]triage.AssetID, 0, len(found))
	for i, f := range found {
		if i > 0 && f.id == found[i-1].id {
			continue
		}
		ids = append(ids, f.id)
	}
	return ids, nil
}

func (d *Dir) walkRoots() []string {
	if len(d.cfg.Include) == 0 {
		return []string{d.cfg.Root}
	}
	roots := make([]string, 0, len(d.cfg.Include))
	for _, inc := range d.cfg.Include {
		roots = append(roots, filepath.Join(d.cfg.Root, filepath.FromSlash(inc)))
	}
	return roots
}

// FetchImage decodes the asset with EXIF orientation applied and fits it
// into size. Results are cached per id and size.
func (d *Dir) FetchImage(ctx context.Context, id triage.AssetID, size triage.Size) (image.Image, error) {
	path, err := d.resolve(id)
	if err != nil {
		return nil, err
	}

	key := cacheKey(id, size)
	if img, ok := d.cache.Get(key); ok {
		return img, nil
	}

	ch := d.group.DoChan(key, func() (any, error) {
		img, err := imaging.Open(path, imaging.AutoOrientation(true))
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return nil, triage.ErrAssetNotFound
			}
			return nil, fmt.Errorf("decode %s: %w", id, err)
		}
		if size.Width > 0 && size.Height > 0 {
			img = imaging.Fit(img, size.Width, size.Height, imaging.Lanczos)
		}
		d.cache.Add(key, img)
		return img, nil
	})

	select {
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		img, _ := res.Val.(image.Image)
		return img, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Delete moves each asset into the trash directory, or removes it when no
// trash directory is configured. Assets already gone count as deleted.
func (d *Dir) Delete(ctx context.Context, ids []triage.AssetID) error {
	var errs []error
	for _, id := range ids {
		if err := ctx.Err(); err != nil {
			errs = append(errs, err)
			break
		}
		d.forget(id)

		path, err := d.resolve(id)
		if err != nil {
			errs = append(errs, err)
			continue
		}

		if d.trash == "" {
			err = os.Remove(path)
		} else {
			err = d.moveToTrash(id, path)
		}
		if err != nil && !errors.Is(err, fs.ErrNotExist) {
			errs = append(errs, fmt.Errorf("delete %s: %w", id, err))
			continue
		}
		d.logger.Info(ctx, "deleted photo", "asset", id, "trash", d.trash != "")
	}
	return errors.Join(errs...)
}

func (d *Dir) moveToTrash(id triage.AssetID, path string) error {
	dst := filepath.Join(d.trash, filepath.FromSlash(string(id)))
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return err
	}
	if _, err := os.Lstat(dst); err == nil {
		ext := filepath.Ext(dst)
		dst = fmt.Sprintf("%s.%d%s", strings.TrimSuffix(dst, ext), time.Now().UnixNano(), ext)
	}
	return os.Rename(path, dst)
}

// OpenSettings opens the library root with the configured opener.
func (d *Dir) OpenSettings(ctx context.Context) error {
	if d.cfg.Opener == "" {
		return ErrUnsupported
	}
	if err := d.run(ctx, d.cfg.Opener, d.cfg.Root); err != nil {
		return fmt.Errorf("run %s: %w", d.cfg.Opener, err)
	}
	return nil
}

// resolve maps an id to a path under the root, rejecting ids that escape
// it or fall outside the included subdirectories.
func (d *Dir) resolve(id triage.AssetID) (string, error) {
	rel := filepath.FromSlash(string(id))
	if id == "" || !filepath.IsLocal(rel) {
		return "", fmt.Errorf("invalid asset id %q", id)
	}
	if len(d.cfg.Include) > 0 && !d.visible(rel) {
		return "", triage.ErrAssetNotFound
	}
	return filepath.Join(d.cfg.Root, rel), nil
}

func (d *Dir) visible(rel string) bool {
	for _, inc := range d.cfg.Include {
		inc = filepath.Clean(filepath.FromSlash(inc))
		if inc == "." {
			return true
		}
		if strings.HasPrefix(rel, inc+string(filepath.Separator)) {
			return true
		}
	}
	return false
}

func (d *Dir) forget(id triage.AssetID) {
	prefix := string(id) + "@"
	for _, k := range d.cache.Keys() {
		if strings.HasPrefix(k, prefix) {
			d.cache.Remove(k)
		}
	}
}

func cacheKey(id triage.AssetID, size triage.Size) string {
	return fmt.Sprintf("%s@%dx%d", id, size.Width, size.Height)
}
