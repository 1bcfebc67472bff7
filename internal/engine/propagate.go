package engine

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/jonthemediocre/deltasync/internal/registry"
	"github.com/jonthemediocre/deltasync/internal/watcher"
)

// propagate applies one event to its destination without conflict
// context, used by recovery repair where no prior confirmed hash is
// available.
func (e *Engine) propagate(ctx context.Context, ev watcher.FileEvent) error {
	_, err := e.propagateWithBase(ctx, ev, "")
	return err
}

// propagateWithBase copies the source file to its resolved destination,
// or removes the destination on unlink. baseHash is the last confirmed
// hash for the path; a destination that matches neither baseHash nor
// the incoming hash has diverged independently and goes through
// conflict resolution. Returns the number of bytes copied.
func (e *Engine) propagateWithBase(ctx context.Context, ev watcher.FileEvent, baseHash string) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	dest, ok := e.registry.ResolveDestination(ev.Path)
	if !ok {
		return 0, fmt.Errorf("engine: no destination rule for %s", ev.Path)
	}

	if ev.Type == watcher.EventUnlink {
		if err := os.Remove(dest); err != nil && !os.IsNotExist(err) {
			return 0, fmt.Errorf("engine: removing %s: %w", dest, err)
		}

		return 0, nil
	}

	destHash, err := e.destinationHash(dest)
	if err != nil {
		return 0, err
	}

	if destHash == ev.Hash {
		// Destination already carries this content.
		return 0, nil
	}

	if destHash != "" && destHash != baseHash {
		// Both sides changed since the last confirmed sync.
		keepDest, err := e.resolveConflict(ev, dest)
		if err != nil {
			return 0, err
		}

		e.logger.Warn("conflict resolved",
			slog.String("path", ev.Path),
			slog.String("destination", dest),
			slog.String("policy", string(e.conflict)),
			slog.Bool("destination_won", keepDest),
		)

		if keepDest {
			// The destination wins: copy it back over the source so the
			// trees converge. The watcher will pick up the write and a
			// follow-up event settles as a no-op copy.
			return copyFile(dest, ev.Path)
		}
	}

	return copyFile(ev.Path, dest)
}

// resolveConflict decides whether the destination copy wins a
// divergence. source-wins never lets it; newest compares modification
// times; ml-driven defers to the model's confidence and falls back to
// newest when the model is unsure.
func (e *Engine) resolveConflict(ev watcher.FileEvent, dest string) (bool, error) {
	switch e.conflict {
	case registry.ConflictSourceWins:
		return false, nil

	case registry.ConflictMLDriven:
		if e.mlCfg.Enabled {
			pred := e.model.PredictRecoveryStrategy(ev.Path)
			if pred.Confidence >= e.mlCfg.ConfidenceThreshold {
				return false, nil
			}
		}

		fallthrough

	case registry.ConflictNewest:
		srcInfo, err := os.Stat(ev.Path)
		if err != nil {
			return false, fmt.Errorf("engine: stat source %s: %w", ev.Path, err)
		}

		destInfo, err := os.Stat(dest)
		if err != nil {
			return false, fmt.Errorf("engine: stat destination %s: %w", dest, err)
		}

		return destInfo.ModTime().After(srcInfo.ModTime()), nil
	}

	return false, nil
}

// destinationHash hashes the destination file, returning "" when it
// does not exist yet.
func (e *Engine) destinationHash(dest string) (string, error) {
	if _, err := os.Stat(dest); err != nil {
		if os.IsNotExist(err) {
			return "", nil
		}

		return "", fmt.Errorf("engine: stat destination %s: %w", dest, err)
	}

	hash, err := watcher.HashFile(dest)
	if err != nil {
		return "", fmt.Errorf("engine: hashing destination %s: %w", dest, err)
	}

	return hash, nil
}

// copyFile writes src's contents to dst via a temp file in the target
// directory followed by a rename, so readers never observe a partial
// copy.
func copyFile(src, dst string) (int64, error) {
	in, err := os.Open(src)
	if err != nil {
		return 0, fmt.Errorf("engine: opening %s: %w", src, err)
	}
	defer in.Close()

	dir := filepath.Dir(dst)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return 0, fmt.Errorf("engine: creating %s: %w", dir, err)
	}

	tmp, err := os.CreateTemp(dir, ".deltasync-*")
	if err != nil {
		return 0, fmt.Errorf("engine: creating temp file in %s: %w", dir, err)
	}

	n, err := io.Copy(tmp, in)
	if err != nil {
		tmp.Close()
		os.Remove(tmp.Name())

		return 0, fmt.Errorf("engine: copying %s: %w", src, err)
	}

	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return 0, fmt.Errorf("engine: closing temp file: %w", err)
	}

	if err := os.Rename(tmp.Name(), dst); err != nil {
		os.Remove(tmp.Name())
		return 0, fmt.Errorf("engine: renaming to %s: %w", dst, err)
	}

	return n, nil
}
