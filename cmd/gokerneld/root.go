// Copyright 2024 The Gokernel Authors
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

// Command gokerneld boots one instance of this repository's kernel
// core: it registers pid 1, opens the admin introspection endpoint,
// and serves until signaled, grounded on cmd/main.go's Main()/cobra.go
// command-tree shape.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	"github.com/KimMachineGun/automemlimit/memlimit"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"go.uber.org/automaxprocs/maxprocs"
	"go.uber.org/zap"
	"go.uber.org/zap/exp/zapslog"
	"golang.org/x/sync/errgroup"

	"github.com/gokernel/core/admin"
	"github.com/gokernel/core/dispatch"
	"github.com/gokernel/core/klog"
	"github.com/gokernel/core/vm"
)

var buildVersion = "dev"

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "gokerneld",
		Short: "Boot and introspect a userspace Linux-ABI kernel core",
		Long: `gokerneld boots this repository's process/thread, memory, signal, and
I/O multiplexing core, registers a pid-1 init program against it, and
serves a local introspection endpoint over its live process table.`,
	}
	root.AddCommand(newRunCmd(), newInspectCmd())
	return root
}

func newRunCmd() *cobra.Command {
	var configPath string
	var debug bool

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Boot the kernel core in the foreground",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runForeground(cmd.Context(), configPath, debug)
		},
	}
	var flags *pflag.FlagSet = cmd.Flags()
	flags.StringVarP(&configPath, "config", "c", "", "path to a boot configuration YAML document")
	flags.BoolVar(&debug, "debug", false, "enable development-mode structured logging")
	return cmd
}

func newInspectCmd() *cobra.Command {
	var addr string
	cmd := &cobra.Command{
		Use:   "inspect",
		Short: "Query a running kernel core's /debug/processes endpoint",
		RunE: func(cmd *cobra.Command, args []string) error {
			return inspectRemote(cmd.Context(), addr)
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "http://localhost:2120", "admin endpoint base URL")
	return cmd
}

// clampSingleCPU sets GOMAXPROCS to the container-quota-aware value
// automaxprocs computes, then clamps it down to 1: this core has no
// scheduler or SMP run queue (a documented non-goal), so letting the
// Go runtime itself fan syscalls across multiple OS threads would
// expose concurrency bugs no amount of per-subsystem locking here is
// meant to paper over. Any failure to detect a quota is logged and
// ignored the way maxprocs.Set's caller in cmd/main.go does.
//
// GOMEMLIMIT gets the same container-quota treatment via automemlimit,
// right alongside it: every address space this core tracks, plus the
// shm segments and pipe ring buffers backing it, lives in this one Go
// process's heap, so a boot host with a cgroup memory quota needs the
// runtime aware of it the same way cmd/main.go's Main does.
func clampSingleCPU(log *zap.Logger) {
	undo, err := maxprocs.Set(maxprocs.Logger(log.Sugar().Infof))
	defer undo()
	if err != nil {
		log.Warn("failed to detect GOMAXPROCS quota", zap.Error(err))
	}
	runtime.GOMAXPROCS(1)

	if _, err := memlimit.SetGoMemLimitWithOpts(
		memlimit.WithLogger(slog.New(zapslog.NewHandler(log.Core()))),
		memlimit.WithProvider(
			memlimit.ApplyFallback(memlimit.FromCgroup, memlimit.FromSystem),
		),
	); err != nil {
		log.Warn("failed to detect GOMEMLIMIT quota", zap.Error(err))
	}
}

func runForeground(ctx context.Context, configPath string, debugFlag bool) error {
	cfg, err := LoadBootConfig(configPath)
	if err != nil {
		return fmt.Errorf("loading boot config: %w", err)
	}
	if debugFlag {
		cfg.Debug = true
	}

	log, err := klog.Init(cfg.Debug)
	if err != nil {
		return fmt.Errorf("initializing logger: %w", err)
	}
	defer klog.Sync()

	clampSingleCPU(log)

	restoreConsole, err := hostConsole()
	if err != nil {
		log.Warn("failed to attach raw-mode console", zap.Error(err))
		restoreConsole = func() {}
	}
	defer restoreConsole()

	d := dispatch.New(buildVersion, stdioWriter{})
	d.SetHostname(cfg.Hostname)

	aspace := vm.New(0x1000, 0x7f00_0000_0000, 0x0040_0000)
	_, init := d.Registry.Bootstrap(aspace, cfg.Init.ExePath, cfg.Init.Argv)
	log.Info("init process registered", zap.Int("pid", init.Pid()), zap.String("exe_path", cfg.Init.ExePath))

	handler := admin.NewHandler(d, cfg.Admin)
	srv := &http.Server{Addr: cfg.Admin.Listen, Handler: handler}

	group, gctx := errgroup.WithContext(ctx)
	group.Go(func() error {
		log.Info("admin endpoint listening", zap.String("addr", cfg.Admin.Listen))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return err
		}
		return nil
	})
	group.Go(func() error {
		return waitForShutdownSignal(gctx, log, srv, cfg.Admin.ShutdownGrace)
	})

	return group.Wait()
}

// waitForShutdownSignal blocks until SIGINT/SIGTERM arrives on the
// host process or ctx is canceled, then gracefully shuts the admin
// server down within grace, mirroring cmd/commands.go's trapSignals
// pattern for the foreground "caddy run" command.
func waitForShutdownSignal(ctx context.Context, log *zap.Logger, srv *http.Server, grace time.Duration) error {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	select {
	case sig := <-sigCh:
		log.Info("received shutdown signal", zap.String("signal", sig.String()))
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), grace)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

func inspectRemote(ctx context.Context, addr string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, addr+"/debug/processes", nil)
	if err != nil {
		return err
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	var processes []json.RawMessage
	if err := json.NewDecoder(resp.Body).Decode(&processes); err != nil {
		return err
	}
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(processes)
}
