// Copyright 2024 Google LLC
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

import (
	"context"
	"fmt"
	"net"
	"os"
	"os/signal"
	"strconv"

	"github.com/jacobsa/fuse"
	"github.com/jacobsa/fuse/fuseutil"

	"github.com/dwango/mizumochi/clock"
	"github.com/dwango/mizumochi/internal/config"
	"github.com/dwango/mizumochi/internal/controlplane"
	"github.com/dwango/mizumochi/internal/dispatch"
	"github.com/dwango/mizumochi/internal/logger"
	"github.com/dwango/mizumochi/internal/metrics"
)

// runDaemon wires up every component and blocks until the mount is torn
// down: it builds the configuration cell and metrics registry, starts the
// control plane on its own goroutine, constructs the dispatch filesystem,
// mounts it, and waits for either a clean unmount or a SIGINT.
func runDaemon(originalDir, mountPoint string, snapshot config.Snapshot) error {
	logger.Infof("mizumochi: original=%s mountpoint=%s config=%s", originalDir, mountPoint, snapshot)

	registry := metrics.NewRegistry()
	cell := config.NewCell(snapshot)

	fs, err := dispatch.New(originalDir, cell, registry, clock.RealClock{})
	if err != nil {
		return fmt.Errorf("initializing filesystem: %w", err)
	}

	addr := net.JoinHostPort("", strconv.Itoa(int(httpPort)))
	server := controlplane.New(addr, cell, registry)
	go func() {
		if err := server.Serve(); err != nil {
			logger.Errorf("control plane: %v", err)
		}
	}()

	mfs, err := mountFileSystem(fs, mountPoint)
	if err != nil {
		return fmt.Errorf("mount: %w", err)
	}

	registerSIGINTHandler(mountPoint)

	if err := mfs.Join(context.Background()); err != nil {
		return fmt.Errorf("waiting for unmount: %w", err)
	}
	return nil
}

func mountFileSystem(fs *dispatch.FileSystem, mountPoint string) (*fuse.MountedFileSystem, error) {
	server := fuseutil.NewFileSystemServer(fs)

	mountCfg := &fuse.MountConfig{
		FSName:                  "mizumochi",
		Subtype:                 "mizumochi",
		VolumeName:              "mizumochi",
		EnableParallelDirOps:    true,
		DisableWritebackCaching: true,
	}

	return fuse.Mount(mountPoint, server, mountCfg)
}

// registerSIGINTHandler unmounts mountPoint on SIGINT, retrying until it
// succeeds. Grounded verbatim on gcsfuse's cmd/legacy_main.go of the same
// name.
func registerSIGINTHandler(mountPoint string) {
	signalChan := make(chan os.Signal, 1)
	signal.Notify(signalChan, os.Interrupt)

	go func() {
		for {
			<-signalChan
			logger.Info("Received SIGINT, attempting to unmount...")

			err := fuse.Unmount(mountPoint)
			if err != nil {
				logger.Errorf("Failed to unmount in response to SIGINT: %v", err)
			} else {
				logger.Infof("Successfully unmounted in response to SIGINT.")
				return
			}
		}
	}()
}
