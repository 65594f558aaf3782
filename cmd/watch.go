// -- cmd/watch.go --
package cmd

import (
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/oraflow/mend/internal/engine"
	"github.com/oraflow/mend/internal/observability"
	"github.com/oraflow/mend/internal/requester"
)

// newWatchCmd creates the `watch` command, the main mode of operation.
func newWatchCmd() *cobra.Command {
	watchCmd := &cobra.Command{
		Use:   "watch [flags] -- <command> [args...]",
		Short: "Runs a dev command and fixes the errors it logs",
		Long: `Watch spawns the given command (typically "flutter run"), classifies every
error it logs, and negotiates validated AI fixes with a connected editor.
With --log-file it tails an existing log instead of spawning anything.

Send SIGUSR1 to force an emergency reset of all engine state.`,
		Example: `  mend watch -- flutter run
  mend watch --project-root ~/app -- flutter run -d macos
  mend watch --log-file /tmp/flutter-run.log`,
		PreRunE: func(cmd *cobra.Command, args []string) error {
			return viper.BindPFlags(cmd.Flags())
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			logger := observability.GetLogger()

			projectRoot, err := cmd.Flags().GetString("project-root")
			if err != nil {
				return err
			}
			if projectRoot == "" {
				if projectRoot, err = os.Getwd(); err != nil {
					return fmt.Errorf("determining project root: %w", err)
				}
			}
			appConfig.SetMonitorProjectRoot(projectRoot)

			logFile, _ := cmd.Flags().GetString("log-file")
			appConfig.SetMonitorLogFile(logFile)
			appConfig.SetMonitorCommand(args)

			if logFile == "" && len(args) == 0 {
				return errors.New("nothing to watch: pass a command after -- or use --log-file")
			}
			if logFile != "" && len(args) > 0 {
				return errors.New("--log-file and a spawned command are mutually exclusive")
			}
			if addr, _ := cmd.Flags().GetString("bridge-addr"); addr != "" {
				appConfig.BridgeCfg.ListenAddr = addr
			}

			client := requester.NewHTTPReasoner(logger, appConfig.Reasoner())
			eng := engine.New(logger, appConfig, client)

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			resetCh := make(chan os.Signal, 1)
			signal.Notify(resetCh, syscall.SIGUSR1)
			defer signal.Stop(resetCh)
			go func() {
				for range resetCh {
					eng.EmergencyReset()
				}
			}()

			logger.Info("Watch starting",
				zap.String("project_root", projectRoot),
				zap.Strings("command", args),
				zap.String("log_file", logFile))

			err = eng.Run(ctx)
			if errors.Is(err, engine.ErrProcessExited) {
				// The watched process failing is an outcome, not a mend bug.
				logger.Warn("Watched process ended abnormally", zap.Error(err))
				return nil
			}
			return err
		},
	}

	watchCmd.Flags().String("project-root", "", "project root directory (default: current directory)")
	watchCmd.Flags().String("log-file", "", "tail this log file instead of spawning a command")
	watchCmd.Flags().String("bridge-addr", "", "override the editor bridge listen address")
	return watchCmd
}

func init() {
	watchCmd := newWatchCmd()
	rootCmd.AddCommand(watchCmd)
}
