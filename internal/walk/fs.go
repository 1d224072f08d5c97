// Package walk iterates over regular files below a set of directories.
package walk

import (
	"context"
	"errors"
	"io"
	"io/fs"
	"iter"
	"os"
	"path/filepath"
	"strings"
)

// Entry is a regular file found by a walk.
type Entry interface {
	// Path is the file path prefixed by the name of the walked root.
	Path() string
	// Rel is the path relative to the walked root, slash separated.
	Rel() string
	Open() (io.ReadCloser, error)
	Stat() (fs.FileInfo, error)
}

// Dirs walks every existing directory of dirs. Directories that do not
// exist are skipped silently, other open failures are yielded as errors.
// A directory listed twice is walked once.
func Dirs(ctx context.Context, dirs ...string) iter.Seq2[Entry, error] {
	return func(yield func(Entry, error) bool) {
		seen := make(map[string]struct{}, len(dirs))
		for _, dir := range dirs {
			if dir == "" {
				continue
			}
			clean := filepath.Clean(dir)
			if _, ok := seen[clean]; ok {
				continue
			}
			seen[clean] = struct{}{}

			root, err := os.OpenRoot(clean)
			if errors.Is(err, fs.ErrNotExist) {
				continue
			}
			if err != nil {
				if !yield(nil, err) {
					return
				}
				continue
			}
			stop := false
			for entry, err := range FS(ctx, root.FS(), root.Name()) {
				if !yield(entry, err) {
					stop = true
					break
				}
			}
			_ = root.Close()
			if stop {
				return
			}
		}
	}
}

// FS recursively walks root and yields every regular file, or an error when
// the file information can't be read. Hidden entries (a leading dot) and
// partial downloads (*.part) are skipped. Symlinks are not followed.
func FS(ctx context.Context, root fs.FS, name string) iter.Seq2[Entry, error] {
	if root == nil {
		panic("root is nil")
	}

	return func(yield func(Entry, error) bool) {
		fn := func(path string, d fs.DirEntry, err error) error {
			if ctx.Err() != nil {
				return fs.SkipAll
			}
			if err == nil && path != "." && strings.HasPrefix(d.Name(), ".") {
				if d.IsDir() {
					return fs.SkipDir
				}
				return nil
			}
			var entry = fsEntry{
				root:    root,
				abspath: filepath.Join(name, filepath.FromSlash(path)),
				path:    path,
			}
			var yieldErr error
			if err != nil {
				yieldErr = err
			} else {
				if d.IsDir() || strings.HasSuffix(path, ".part") {
					return nil
				}
				info, err := d.Info()
				if err != nil {
					entry.infoErr = err
					yieldErr = err
				} else {
					if !info.Mode().IsRegular() {
						return nil
					}
					entry.info = info
				}
			}

			if !yield(entry, yieldErr) {
				return fs.SkipAll
			}
			return nil
		}
		_ = fs.WalkDir(root, ".", fn)
	}
}

// fsEntry implements Entry for a filesystem, it uses root.Open to open the file
type fsEntry struct {
	root    fs.FS
	abspath string
	path    string
	info    fs.FileInfo
	infoErr error
}

func (e fsEntry) Path() string {
	return e.abspath
}

func (e fsEntry) Rel() string {
	return e.path
}

func (e fsEntry) Open() (io.ReadCloser, error) {
	if e.infoErr != nil {
		return nil, e.infoErr
	}
	return e.root.Open(e.path)
}

func (e fsEntry) Stat() (fs.FileInfo, error) {
	return e.info, e.infoErr
}
