// Copyright 2024 Google Inc. All Rights Reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package cmd implements mizumochi's command-line surface: a root command
// that mounts the daemon and a periodic subcommand that overrides the
// mode-switching schedule.
package cmd

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/dwango/mizumochi/internal/config"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var (
	cfgFile       string
	speedFlag     string
	httpPort      uint16
	configFileErr error
	unmarshalErr  error

	// periodicDuration/periodicFrequency are only populated when the
	// periodic subcommand ran; they override whatever condition the
	// config file or defaults supplied.
	periodicDuration  string
	periodicFrequency string
	periodicSelected  bool
)

var rootCmd = &cobra.Command{
	Use:   "mizumochi <original-dir> <mountpoint>",
	Short: "Mirror a directory through a mountpoint, throttling I/O on a schedule",
	Long: `mizumochi mounts a FUSE filesystem that mirrors an existing host
directory, deliberately throttling reads and writes during scheduled
"unstable" windows so that software consuming local files can be exercised
against slow storage without modifying production disks.`,
	Args: cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		return mountAndRun(args)
	},
}

// mountAndRun validates the shared flag state and the two positional
// arguments, then resolves and starts the daemon. Both the root command
// and the periodic subcommand funnel through here.
func mountAndRun(args []string) error {
	if configFileErr != nil {
		return configFileErr
	}
	if unmarshalErr != nil {
		return unmarshalErr
	}

	originalDir, mountPoint, err := populateArgs(args)
	if err != nil {
		return err
	}

	snapshot, err := buildSnapshot()
	if err != nil {
		return err
	}

	return runDaemon(originalDir, mountPoint, snapshot)
}

// populateArgs validates and canonicalizes the two positional arguments:
// the backing directory and the mountpoint.
func populateArgs(args []string) (originalDir string, mountPoint string, err error) {
	originalDir, err = filepath.Abs(args[0])
	if err != nil {
		return "", "", fmt.Errorf("resolving original directory: %w", err)
	}
	mountPoint, err = filepath.Abs(args[1])
	if err != nil {
		return "", "", fmt.Errorf("resolving mountpoint: %w", err)
	}
	return originalDir, mountPoint, nil
}

// buildSnapshot assembles the initial configuration from, in increasing
// precedence: the daemon's built-in default, an optional --config-file,
// the --speed flag, and the periodic subcommand's --duration/--frequency
// flags.
func buildSnapshot() (config.Snapshot, error) {
	snapshot := config.Default()

	if cfgFile != "" {
		// Snapshot's fields (Speed, Condition) round-trip through
		// encoding/json rather than mapstructure, so the config file is
		// decoded through viper's generic map and re-encoded to JSON
		// rather than unmarshaled into Snapshot directly.
		raw, err := json.Marshal(viper.AllSettings())
		if err != nil {
			return config.Snapshot{}, fmt.Errorf("re-encoding config file: %w", err)
		}
		if err := json.Unmarshal(raw, &snapshot); err != nil {
			return config.Snapshot{}, fmt.Errorf("decoding config file: %w", err)
		}
	}

	if rootCmd.PersistentFlags().Changed("speed") {
		speed, err := config.ParseSpeed(speedFlag)
		if err != nil {
			return config.Snapshot{}, err
		}
		snapshot.Speed = speed
	}

	if periodicSelected {
		duration, err := config.ParseDuration(periodicDuration)
		if err != nil {
			return config.Snapshot{}, err
		}
		frequency, err := config.ParseDuration(periodicFrequency)
		if err != nil {
			return config.Snapshot{}, err
		}
		snapshot.Condition = config.PeriodicCondition(duration, frequency)
	}

	return snapshot, nil
}

// Execute runs the root command, printing any error to stderr and exiting
// non-zero rather than returning it up through main.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	cobra.OnInitialize(initConfig)
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config-file", "", "Path to a YAML config file")
	rootCmd.PersistentFlags().StringVar(&speedFlag, "speed", "pass_through", "Throttle target: pass_through, a byte count, or a count suffixed with Bps/KBps/MBps/GBps")
	rootCmd.PersistentFlags().Uint16Var(&httpPort, "http-port", 33133, "Port the control plane (config + metrics) listens on")

	rootCmd.AddCommand(periodicCmd)
}

func initConfig() {
	if cfgFile == "" {
		return
	}
	resolved, err := filepath.Abs(cfgFile)
	if err != nil {
		configFileErr = fmt.Errorf("resolving config file path: %w", err)
		return
	}
	viper.SetConfigFile(resolved)
	viper.SetConfigType("yaml")

	if err := viper.ReadInConfig(); err != nil {
		configFileErr = fmt.Errorf("reading config file: %w", err)
	}
}
