package cli

import (
	"flag"
	"os"

	"github.com/mihailsb/convsync/internal/flagx"
)

// modeFlags carries the per-invocation selection, separate from the layered
// runtime Config.
type modeFlags struct {
	Mode     string
	ID       string
	Strategy string
	Auto     bool
	Repair   bool
}

// parseModeFlags reads the mode selection flags:
//
//	-mode string      sync|push|pull|status|resolve|delete (default sync)
//	-id string        conversation id for push/pull/resolve/delete
//	-strategy string  keepLocal|keepRemote|keepBoth for resolve
//	-auto             keep syncing on a timer until interrupted
//	-repair           drop dangling manifest entries found during sync
//
// Note: os.Args is filtered to only the flags handled here, using
// flagx.FilterArgs, so config flags parsed elsewhere do not interfere.
func parseModeFlags() modeFlags {
	args := flagx.FilterArgs(os.Args[1:], []string{
		"-mode", "-id", "-strategy", "-auto", "-repair",
	})

	m := modeFlags{Mode: "sync", Strategy: "keepBoth"}

	fs := flag.NewFlagSet("mode", flag.ContinueOnError)
	fs.StringVar(&m.Mode, "mode", m.Mode, "operation: sync|push|pull|status|resolve|delete")
	fs.StringVar(&m.ID, "id", "", "conversation id")
	fs.StringVar(&m.Strategy, "strategy", m.Strategy, "conflict resolution: keepLocal|keepRemote|keepBoth")
	fs.BoolVar(&m.Auto, "auto", false, "keep syncing on a timer until interrupted")
	fs.BoolVar(&m.Repair, "repair", false, "drop dangling manifest entries found during sync")

	if err := fs.Parse(args); err != nil {
		panic(err)
	}

	return m
}
