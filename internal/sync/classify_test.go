package sync

import (
	"sort"
	"testing"

	"github.com/mihailsb/convsync/internal/manifest"
	"github.com/stretchr/testify/require"
)

func TestClassify_TruthTable(t *testing.T) {
	tests := []struct {
		name   string
		local  string
		remote string
		base   string
		want   Action
	}{
		{"nothing anywhere", "", "", "", ActionSkip},
		{"local only, no base", "L", "", "", ActionPush},
		{"local only, stale base", "L", "", "B", ActionPush},
		{"remote only", "", "R", "", ActionPull},
		{"remote only, stale base", "", "R", "B", ActionPull},
		{"identical", "X", "X", "", ActionSkip},
		{"identical with base", "X", "X", "B", ActionSkip},
		{"differ, no base", "L", "R", "", ActionConflict},
		{"only local changed", "L2", "B", "B", ActionPush},
		{"only remote changed", "B", "R2", "B", ActionPull},
		{"both changed", "L2", "R2", "B", ActionConflict},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			got := Classify(tc.local, tc.remote, tc.base)
			require.Equal(t, tc.want, got, "Classify(%q, %q, %q)", tc.local, tc.remote, tc.base)
		})
	}
}

func TestClassify_Properties(t *testing.T) {
	// Skip iff L==R; Push iff L!=B and R==B; Pull iff R!=B and L==B;
	// Conflict iff L!=B, R!=B and L!=R. Exercised over all combinations of
	// three symbolic hash values per side.
	values := []string{"A", "B", "C"}
	for _, l := range values {
		for _, r := range values {
			base := "B"
			got := Classify(l, r, base)
			switch {
			case l == r:
				require.Equal(t, ActionSkip, got, "L=%s R=%s", l, r)
			case l != base && r == base:
				require.Equal(t, ActionPush, got, "L=%s R=%s", l, r)
			case l == base && r != base:
				require.Equal(t, ActionPull, got, "L=%s R=%s", l, r)
			default:
				require.Equal(t, ActionConflict, got, "L=%s R=%s", l, r)
			}
		}
	}
}

func TestPlanTransfer(t *testing.T) {
	source := map[string]manifest.FileHashInfo{
		"brain/abc/same.md":    {Hash: "h1"},
		"brain/abc/changed.md": {Hash: "h2-new"},
		"brain/abc/added.md":   {Hash: "h3"},
	}
	target := map[string]manifest.FileHashInfo{
		"brain/abc/same.md":    {Hash: "h1"},
		"brain/abc/changed.md": {Hash: "h2-old"},
		"brain/abc/removed.md": {Hash: "h4"},
	}

	plan := planTransfer(source, target)
	sort.Strings(plan.transfers)
	require.Equal(t, []string{"brain/abc/added.md", "brain/abc/changed.md"}, plan.transfers)
	require.Equal(t, []string{"brain/abc/removed.md"}, plan.deletes)
}

func TestPlanTransfer_EmptySides(t *testing.T) {
	full := map[string]manifest.FileHashInfo{"a": {Hash: "h"}}

	plan := planTransfer(full, nil)
	require.Equal(t, []string{"a"}, plan.transfers)
	require.Empty(t, plan.deletes)

	plan = planTransfer(nil, full)
	require.Empty(t, plan.transfers)
	require.Equal(t, []string{"a"}, plan.deletes)

	plan = planTransfer(nil, nil)
	require.Empty(t, plan.transfers)
	require.Empty(t, plan.deletes)
}

func TestActionString(t *testing.T) {
	require.Equal(t, "skip", ActionSkip.String())
	require.Equal(t, "push", ActionPush.String())
	require.Equal(t, "pull", ActionPull.String())
	require.Equal(t, "conflict", ActionConflict.String())
}
