package sync

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/google/uuid"
	"github.com/spf13/afero"

	"github.com/mihailsb/convsync/internal/hashx"
)

// Strategy picks how a reported conflict is resolved.
type Strategy string

const (
	// KeepLocal pushes the local version over the remote one.
	KeepLocal Strategy = "keepLocal"
	// KeepRemote pulls the remote version, discarding local changes.
	KeepRemote Strategy = "keepRemote"
	// KeepBoth forks: the conflicting local copy is renamed to a derived
	// id and pushed, then the remote content is pulled under the original
	// id. Nothing is lost on either side.
	KeepBoth Strategy = "keepBoth"
)

// Resolve applies a strategy to a conflicting conversation. It is the
// caller's follow-up to Result.Conflicts; the orchestrator never resolves
// conflicts on its own.
func (s *Syncer) Resolve(ctx context.Context, id string, strategy Strategy) error {
	switch strategy {
	case KeepLocal:
		return s.PushConversation(ctx, id)

	case KeepRemote:
		return s.PullConversation(ctx, id)

	case KeepBoth:
		forkID, err := s.forkLocal(id)
		if err != nil {
			return fmt.Errorf("fork %s: %w", id, err)
		}
		if err := s.PushConversation(ctx, forkID); err != nil {
			return fmt.Errorf("push fork %s: %w", forkID, err)
		}
		if err := s.PullConversation(ctx, id); err != nil {
			return fmt.Errorf("pull original %s: %w", id, err)
		}
		s.log.Info(ctx, "conflict forked", "conversation", id, "fork", forkID)
		return nil

	default:
		return fmt.Errorf("unknown resolution strategy %q", strategy)
	}
}

// forkLocal copies a conversation's local files to a new derived id and
// returns it.
func (s *Syncer) forkLocal(id string) (string, error) {
	forkID := id + "-fork-" + uuid.NewString()[:8]

	srcDir := filepath.Join(s.layout.BrainDir, id)
	dstDir := filepath.Join(s.layout.BrainDir, forkID)
	if ok, _ := afero.DirExists(s.fs, srcDir); ok {
		if err := s.copyTree(srcDir, dstDir); err != nil {
			return "", err
		}
	}

	srcRec := filepath.Join(s.layout.RecordsDir, id+hashx.RecordExt)
	if ok, _ := afero.Exists(s.fs, srcRec); ok {
		data, err := afero.ReadFile(s.fs, srcRec)
		if err != nil {
			return "", err
		}
		dstRec := filepath.Join(s.layout.RecordsDir, forkID+hashx.RecordExt)
		if err := afero.WriteFile(s.fs, dstRec, data, 0o644); err != nil {
			return "", err
		}
	}

	return forkID, nil
}

func (s *Syncer) copyTree(src, dst string) error {
	return afero.Walk(s.fs, src, func(p string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(src, p)
		if err != nil {
			return err
		}
		target := filepath.Join(dst, rel)
		if info.IsDir() {
			return s.fs.MkdirAll(target, info.Mode().Perm())
		}
		data, err := afero.ReadFile(s.fs, p)
		if err != nil {
			return err
		}
		if err := s.fs.MkdirAll(filepath.Dir(target), 0o755); err != nil {
			return err
		}
		return afero.WriteFile(s.fs, target, data, info.Mode().Perm())
	})
}
