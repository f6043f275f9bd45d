package main

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"text/tabwriter"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/pseudocoder/filesync/internal/config"
	"github.com/pseudocoder/filesync/internal/storage"
)

func newTabsCmd() *cobra.Command {
	var (
		configPath string
		database   string
		limit      int
	)
	cmd := &cobra.Command{
		Use:   "tabs",
		Short: "List the tab layouts saved by recent sessions",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			if cmd.Flags().Changed("db") {
				cfg.Database = database
			}
			dbPath, err := cfg.DatabasePath()
			if err != nil {
				return err
			}
			if _, err := os.Stat(dbPath); os.IsNotExist(err) {
				fmt.Fprintln(cmd.OutOrStdout(), "no saved sessions")
				return nil
			}

			db, err := storage.NewSQLiteStore(dbPath, nil)
			if err != nil {
				return err
			}
			defer db.Close()
			return writeSessions(cmd.OutOrStdout(), db, limit, time.Now())
		},
	}
	cmd.Flags().StringVar(&configPath, "config", "", "config file (default ~/.filesync/config.toml)")
	cmd.Flags().StringVar(&database, "db", "", "session database path")
	cmd.Flags().IntVar(&limit, "limit", 5, "number of sessions to show")
	return cmd
}

func writeSessions(out io.Writer, db *storage.SQLiteStore, limit int, now time.Time) error {
	sessions, err := db.ListSessions(limit)
	if err != nil {
		return err
	}
	if len(sessions) == 0 {
		fmt.Fprintln(out, "no saved sessions")
		return nil
	}

	for _, s := range sessions {
		records, active, err := db.LoadTabs(s.ID)
		if err != nil {
			return err
		}
		fmt.Fprintf(out, "%s  %s  (last seen %s, %d tabs)\n",
			s.ID, s.Root, humanize.RelTime(s.LastSeen, now, "ago", "from now"), len(records))

		tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
		for _, rec := range records {
			marker := " "
			if rec.Path == active {
				marker = "*"
			}
			size := "missing"
			if info, err := os.Stat(filepath.Join(s.Root, filepath.FromSlash(rec.Path))); err == nil {
				size = humanize.Bytes(uint64(info.Size()))
			}
			fmt.Fprintf(tw, "  %s %s\t%s\t%s\t%d:%d\n",
				marker, rec.Path, orDash(rec.Language), size, rec.CursorLine+1, rec.CursorColumn+1)
		}
		if err := tw.Flush(); err != nil {
			return err
		}
	}
	return nil
}
