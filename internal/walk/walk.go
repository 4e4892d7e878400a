// Package walk finds executable binaries inside a directory tree. Files
// are classified by content, not extension, the same way file(1) does it.
package walk

import (
	"context"
	"io/fs"
	"iter"
	"path/filepath"

	"github.com/gabriel-vasile/mimetype"
)

// executableMIMEs are the content types treated as analyzable binaries:
// ELF executables and shared objects, Mach-O, PE and Android DEX.
var executableMIMEs = []string{
	"application/x-executable",
	"application/x-sharedlib",
	"application/x-mach-binary",
	"application/vnd.microsoft.portable-executable",
	"application/vnd.android.dex",
}

// Binaries recursively walks root and yields the path of every regular
// file whose content matches an executable format. Symlinks are not
// followed. Walk errors are yielded with an empty path and the walk
// continues. A canceled ctx stops the walk.
func Binaries(ctx context.Context, root string) iter.Seq2[string, error] {
	return func(yield func(string, error) bool) {
		fn := func(path string, d fs.DirEntry, err error) error {
			if ctx.Err() != nil {
				return fs.SkipAll
			}
			if err != nil {
				if !yield("", err) {
					return fs.SkipAll
				}
				return nil
			}
			if !d.Type().IsRegular() {
				return nil
			}

			mtype, err := mimetype.DetectFile(path)
			if err != nil {
				if !yield("", err) {
					return fs.SkipAll
				}
				return nil
			}
			for _, want := range executableMIMEs {
				if mtype.Is(want) {
					if !yield(path, nil) {
						return fs.SkipAll
					}
					return nil
				}
			}
			return nil
		}
		_ = filepath.WalkDir(root, fn)
	}
}
