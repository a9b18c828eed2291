package cmd

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/strand-protocol/rtkit/pkg/logsink"
	"github.com/strand-protocol/rtkit/pkg/store"
	"github.com/strand-protocol/rtkit/pkg/tui"
)

var monitorRefresh time.Duration

// monitorCmd launches the interactive session monitor.
var monitorCmd = &cobra.Command{
	Use:   "monitor",
	Short: "Launch the interactive session monitor",
	Long: `Launch a terminal dashboard over the session snapshots that
"rtkitctl boot" publishes to etcd. The list is refreshed on every change
and on each tick. When postgres.dsn is set the Syslog tab reads the
archived entries of the selected session.

Key bindings:
  Tab / Shift+Tab  Navigate between tabs
  1 / 2 / 3 / 4    Jump to Sessions / Endpoints / Buffers / Syslog
  j / k            Select a session
  r                Force an immediate refresh
  q / Ctrl+C       Quit`,
	RunE: func(cmd *cobra.Command, args []string) error {
		if len(cfg.Etcd.Endpoints) == 0 {
			return errors.New("monitor needs etcd endpoints: set etcd.endpoints or pass --etcd")
		}
		st, err := store.NewEtcdStore(cfg.Etcd.Endpoints, store.WithEtcdLogger(logger))
		if err != nil {
			return err
		}
		defer st.Close()

		ctx, cancel := context.WithCancel(cmd.Context())
		defer cancel()

		var logs tui.LogSource
		if cfg.Postgres.DSN != "" {
			sink, err := logsink.OpenPostgres(ctx, cfg.Postgres.DSN, cfg.Postgres.Table)
			if err != nil {
				return fmt.Errorf("syslog archive: %w", err)
			}
			defer sink.Close()
			logs = sink
		}

		label := fmt.Sprintf("etcd %s", strings.Join(cfg.Etcd.Endpoints, ","))
		p := tea.NewProgram(tui.New(st, logs, label, monitorRefresh),
			tea.WithAltScreen(),
			tea.WithContext(ctx))
		go func() {
			if err := tui.Follow(ctx, st, p.Send); err != nil {
				logger.Warn("session watch stopped, falling back to polling", zap.Error(err))
			}
		}()
		_, err = p.Run()
		if errors.Is(err, tea.ErrProgramKilled) {
			return nil
		}
		return err
	},
}

func init() {
	monitorCmd.Flags().DurationVar(&monitorRefresh, "refresh", 2*time.Second, "refresh interval")
	rootCmd.AddCommand(monitorCmd)
}
