// Command hidemond is the monitor's entrypoint: it parses configuration,
// wires the core components together in order, starts their background
// goroutines, and forwards termination signals to the Trace
// Supervisor's context so it can shut down cleanly.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/Fallengif/Magisk/internal/audit"
	"github.com/Fallengif/Magisk/internal/config"
	"github.com/Fallengif/Magisk/internal/detect"
	"github.com/Fallengif/Magisk/internal/events"
	"github.com/Fallengif/Magisk/internal/supervisor"
	"github.com/Fallengif/Magisk/internal/target"
	"github.com/Fallengif/Magisk/internal/zygote"
)

// rescanPeriod is the Zygote Registry's default periodic rescan
// interval, matching the source's 250ms SIGALRM timer.
const rescanPeriod = 250 * time.Millisecond

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	v := viper.New()

	cmd := &cobra.Command{
		Use:   "hidemond",
		Short: "Traces zygote descendants and hands configured targets to a hide daemon",
		Long: `hidemond attaches to the system zygote(s), watches every descendant
process fork through to its final uid/command-line identity, and hands
off processes matching a configured hide set to an external hide daemon
before they begin executing application code.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd.Context(), v)
		},
	}

	flags := cmd.Flags()
	flags.String("data-root", "/data/user", "per-multiuser-user application data root")
	flags.String("package-db-dir", "/data/system", "directory containing packages.xml")
	flags.StringSlice("app-process-paths", defaultAppProcessPaths(), "app_process binary path(s) to watch")
	flags.String("hide-set", "/data/adb/hidemond/hidelist", "hide-set file path")
	flags.String("audit-dir", "/data/adb/hidemond", "directory for the audit log database")
	flags.String("rules-dir", "/data/adb/hidemond/rules", "directory of Sigma diagnostic rules")
	flags.Duration("rescan-period", rescanPeriod, "zygote rescan interval until discovery completes")
	flags.Bool("verbose", false, "enable per-stop debug logging")
	flags.String("config", "", "path to a config file (yaml/json/toml) overriding defaults")

	cobra.OnInitialize(func() {
		if path, _ := flags.GetString("config"); path != "" {
			v.SetConfigFile(path)
			_ = v.ReadInConfig()
		}
		_ = v.BindPFlags(flags)
	})

	return cmd
}

// defaultAppProcessPaths accounts for app_process32 existing alone on
// 32-bit-only systems, or alongside app_process64 where both ABIs are
// present.
func defaultAppProcessPaths() []string {
	var paths []string
	for _, name := range []string{"app_process32", "app_process64"} {
		p := filepath.Join("/system/bin", name)
		if _, err := os.Stat(p); err == nil {
			paths = append(paths, p)
		}
	}
	if len(paths) == 0 {
		paths = append(paths, "/system/bin/app_process32")
	}
	return paths
}

func run(ctx context.Context, v *viper.Viper) error {
	settings, err := config.Load(v)
	if err != nil {
		return err
	}

	hideSetContent, err := settings.ReadHideSet()
	if err != nil {
		return err
	}
	hideSet, err := config.LoadHideSet(hideSetContent)
	if err != nil {
		return err
	}

	targets := target.New()
	targets.SetHideSet(hideSet)
	if err := targets.Refresh(settings.DataRoot); err != nil {
		return fmt.Errorf("hidemond: initial target refresh: %w", err)
	}

	zygotes := zygote.New()
	if err := zygotes.ScanAndAttach(); err != nil {
		return fmt.Errorf("hidemond: initial zygote scan: %w", err)
	}

	auditLog, err := audit.Open(settings.AuditDBDir)
	if err != nil {
		return fmt.Errorf("hidemond: open audit log: %w", err)
	}
	defer auditLog.Close()

	ruleDetector, err := detect.Open(settings.RulesDir)
	if err != nil {
		return fmt.Errorf("hidemond: open rule detector: %w", err)
	}
	defer ruleDetector.Close()

	period := settings.RescanPeriod
	if zygotes.Done() {
		period = 0
	}
	sources, err := events.New(settings.PackageDBDir, settings.AppProcessPaths, period)
	if err != nil {
		return fmt.Errorf("hidemond: start event sources: %w", err)
	}
	defer sources.Close()

	sup := supervisor.New(zygotes, targets, auditLog, settings.DataRoot)
	sup.Verbose = settings.Verbose
	sup.SetRecordObserver(func(rec audit.Record) {
		if matches := ruleDetector.Check(ctx, rec); len(matches) > 0 {
			for _, m := range matches {
				fmt.Fprintf(os.Stderr, "hidemond: rule %q matched pid %d (%s)\n", m.RuleTitle, rec.PID, rec.Outcome)
			}
		}
	})

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sig
		cancel()
	}()

	return sup.Run(runCtx, sources)
}
