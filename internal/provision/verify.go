package provision

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"

	"golang.org/x/sync/errgroup"
)

var errContentMismatch = errors.New("content differs from source")

// Verify compares each copied file with its source, reading up to
// parallelism files at a time. It only reads, so it does not interfere with
// the sequential copy steps before it.
func Verify(ctx context.Context, srcDir, dstDir string, paths []string, parallelism int) error {
	if parallelism < 1 {
		parallelism = 1
	}
	eg, ctx := errgroup.WithContext(ctx)
	eg.SetLimit(parallelism)
	for _, rel := range paths {
		eg.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}
			dst := filepath.Join(dstDir, rel)
			want, err := os.ReadFile(filepath.Join(srcDir, rel))
			if err != nil {
				return &CopyError{Op: "verify", Path: dst, Err: err}
			}
			got, err := os.ReadFile(dst)
			if err != nil {
				return &CopyError{Op: "verify", Path: dst, Err: err}
			}
			if !bytes.Equal(got, want) {
				return &CopyError{Op: "verify", Path: dst, Err: errContentMismatch}
			}
			return nil
		})
	}
	return eg.Wait()
}
