// Package sync implements the synchronization engine: the three-way
// conflict classifier, the bounded-concurrency transfer pipeline and the
// orchestrator that drives a full sync pass.
package sync

import (
	"github.com/mihailsb/convsync/internal/manifest"
)

// Action is the per-conversation outcome of classification.
type Action int

const (
	ActionSkip Action = iota
	ActionPush
	ActionPull
	ActionConflict
)

func (a Action) String() string {
	switch a {
	case ActionSkip:
		return "skip"
	case ActionPush:
		return "push"
	case ActionPull:
		return "pull"
	case ActionConflict:
		return "conflict"
	default:
		return "unknown"
	}
}

// Classify decides what to do with one conversation given its local overall
// hash, the remote overall hash from the current manifest, and this
// machine's last-synced hash (the base of the three-way merge). An empty
// hash means the side has no content.
//
// There is no tombstone tracking, so local-only content is always treated
// as new and pushed, never as a remote deletion to propagate.
func Classify(local, remote, base string) Action {
	localExists := local != ""
	remoteExists := remote != ""

	switch {
	case !localExists && !remoteExists:
		return ActionSkip
	case localExists && !remoteExists:
		return ActionPush
	case !localExists && remoteExists:
		return ActionPull
	case local == remote:
		return ActionSkip
	case base == "":
		// Both sides have content, they differ, and this machine has no
		// recorded history: cannot safely auto-resolve.
		return ActionConflict
	case local != base && remote == base:
		return ActionPush
	case local == base && remote != base:
		return ActionPull
	default:
		// local != base && remote != base && local != remote
		return ActionConflict
	}
}

// filePlan lists the individual file transfers needed to make one side
// match the other. Paths are relative ("brain/<id>/..." / "records/...").
type filePlan struct {
	transfers []string // files to upload or download (hash differs or missing)
	deletes   []string // files present on the target side only
}

// planTransfer compares a source file-hash map against a target map and
// returns which files to transfer to the target and which to delete there.
// This is the mechanism by which file deletions propagate inside a push or
// pull action.
func planTransfer(source, target map[string]manifest.FileHashInfo) filePlan {
	var plan filePlan
	for path, src := range source {
		dst, ok := target[path]
		if !ok || dst.Hash != src.Hash {
			plan.transfers = append(plan.transfers, path)
		}
	}
	for path := range target {
		if _, ok := source[path]; !ok {
			plan.deletes = append(plan.deletes, path)
		}
	}
	return plan
}
