package config

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/viper"
)

// Settings is the monitor's runtime configuration, bound from flags,
// environment, and an optional config file by the cmd/ entrypoint.
type Settings struct {
	// DataRoot is the per-multiuser-user application data root (e.g.
	// /data/user) the Target Directory scans on refresh.
	DataRoot string
	// PackageDBDir is the directory holding packages.xml.
	PackageDBDir string
	// AppProcessPaths are the app_process32/app_process64 binary paths
	// watched for zygote-rescan-triggering activity.
	AppProcessPaths []string
	// HideSetPath is the hide-set file parsed by LoadHideSet.
	HideSetPath string
	// AuditDBDir is the directory the Audit Log's sqlite database
	// lives under.
	AuditDBDir string
	// RulesDir is the directory of Sigma rules the optional
	// RuleDetector loads.
	RulesDir string
	// RescanPeriod is the Zygote Registry's periodic rescan interval
	// until discovery completes.
	RescanPeriod time.Duration
	// Verbose enables per-stop debug logging in the Trace Supervisor.
	Verbose bool
}

// Load binds Settings from flags the caller has already bound into v
// (cmd/hidemond does so with v.BindPFlags) plus any config file viper
// has read, validating that every required path is set.
func Load(v *viper.Viper) (Settings, error) {
	s := Settings{
		DataRoot:        v.GetString("data-root"),
		PackageDBDir:    v.GetString("package-db-dir"),
		AppProcessPaths: v.GetStringSlice("app-process-paths"),
		HideSetPath:     v.GetString("hide-set"),
		AuditDBDir:      v.GetString("audit-dir"),
		RulesDir:        v.GetString("rules-dir"),
		RescanPeriod:    v.GetDuration("rescan-period"),
		Verbose:         v.GetBool("verbose"),
	}

	if s.DataRoot == "" {
		return Settings{}, fmt.Errorf("config: data-root is required")
	}
	if s.PackageDBDir == "" {
		return Settings{}, fmt.Errorf("config: package-db-dir is required")
	}
	if s.HideSetPath == "" {
		return Settings{}, fmt.Errorf("config: hide-set is required")
	}
	return s, nil
}

// ReadHideSet reads the raw hide-set file at s.HideSetPath; parsing
// it is left to LoadHideSet.
func (s Settings) ReadHideSet() ([]byte, error) {
	content, err := os.ReadFile(s.HideSetPath)
	if err != nil {
		return nil, fmt.Errorf("config: read hide set %s: %w", s.HideSetPath, err)
	}
	return content, nil
}
