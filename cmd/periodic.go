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

package cmd

import "github.com/spf13/cobra"

// periodicCmd overrides the configured condition with an explicit
// Periodic{duration, frequency} schedule, taking precedence over both the
// config file and the built-in default.
var periodicCmd = &cobra.Command{
	Use:   "periodic <original-dir> <mountpoint>",
	Short: "Override the schedule with an explicit periodic duty cycle",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		periodicSelected = true
		return mountAndRun(args)
	},
}

func init() {
	periodicCmd.Flags().StringVar(&periodicDuration, "duration", "10m", "Length of each unstable window (decimal integer suffixed with s, m, or h)")
	periodicCmd.Flags().StringVar(&periodicFrequency, "frequency", "30m", "Length of the stable gap between unstable windows (decimal integer suffixed with s, m, or h)")
}
