package backup

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
)

// ExportFile exports src to path. The file is written next to path and
// renamed into place once the export completes.
func ExportFile(ctx context.Context, src Source, path, passphrase string, opts ...Option) <-chan Progress {
	out := make(chan Progress, 1)

	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		out <- Progress{Err: fmt.Errorf("failed to create backup directory: %w", err)}
		close(out)
		return out
	}
	f, err := os.CreateTemp(filepath.Dir(path), filepath.Base(path)+".*.tmp")
	if err != nil {
		out <- Progress{Err: fmt.Errorf("failed to create backup file: %w", err)}
		close(out)
		return out
	}

	in := Export(ctx, src, f, passphrase, opts...)
	go func() {
		defer close(out)
		var last Progress
		for p := range in {
			last = p
			if p.Done || p.Err != nil {
				break
			}
			send(ctx, out, p)
		}

		if err := f.Close(); err != nil && last.Err == nil {
			last = Progress{Processed: last.Processed, Total: last.Total, Err: fmt.Errorf("failed to close backup file: %w", err)}
		}
		if last.Done && last.Err == nil {
			if err := os.Rename(f.Name(), path); err != nil {
				last = Progress{Processed: last.Processed, Total: last.Total, Err: fmt.Errorf("failed to move backup into place: %w", err)}
			}
		}
		if !last.Done || last.Err != nil {
			os.Remove(f.Name())
			if last.Err == nil {
				last.Err = ctx.Err()
			}
		}
		finish(ctx, out, last)
	}()
	return out
}

// RestoreFile restores the backup at path into dst
func RestoreFile(ctx context.Context, dst Destination, path, passphrase string, opts ...Option) <-chan Progress {
	f, err := os.Open(path)
	if err != nil {
		out := make(chan Progress, 1)
		out <- Progress{Err: fmt.Errorf("failed to open backup file: %w", err)}
		close(out)
		return out
	}

	in := Restore(ctx, dst, f, passphrase, opts...)
	out := make(chan Progress, 1)
	go func() {
		defer close(out)
		defer f.Close()
		for p := range in {
			if !send(ctx, out, p) {
				return
			}
		}
	}()
	return out
}

// InspectFile reads the header of the backup at path
func InspectFile(path string) (*Header, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open backup file: %w", err)
	}
	defer f.Close()
	return Inspect(f)
}
