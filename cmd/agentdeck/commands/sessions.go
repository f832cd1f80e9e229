package commands

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/agentdeck/agentdeck/internal/archive"
)

var sessionsCmd = &cobra.Command{
	Use:   "sessions",
	Short: "List archived sessions",
	Long: `List sessions known to the local archive.

Only sessions persisted by a chat run with an archive directory
configured appear here; live in-process sessions belong to the process
that owns them.`,
	RunE: runSessions,
}

func runSessions(cmd *cobra.Command, args []string) error {
	cfg, stopWatch, err := setup()
	if err != nil {
		return err
	}
	defer stopWatch()

	if cfg.ArchiveDir == "" {
		return fmt.Errorf("no archive directory configured (set archiveDir or AGENTDECK_ARCHIVE_DIR)")
	}

	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}

	sink := archive.New(cfg.ArchiveDir)
	ids, err := sink.List(ctx)
	if err != nil {
		return err
	}
	if len(ids) == 0 {
		fmt.Println("no archived sessions")
		return nil
	}

	for _, id := range ids {
		state, err := sink.GetState(ctx, id)
		if err != nil {
			fmt.Printf("%s  (unreadable: %v)\n", id, err)
			continue
		}
		updated := "never"
		if state.Session.UpdatedAt > 0 {
			updated = time.UnixMilli(state.Session.UpdatedAt).Format(time.RFC3339)
		}
		name := state.Session.Name
		if name == "" {
			name = "-"
		}
		fmt.Printf("%s  %-20s  %3d messages  updated %s\n", id, name, len(state.Messages), updated)
	}
	return nil
}
