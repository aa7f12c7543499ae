// Command xv6sim boots an xv6go image and drives a scripted sequence of
// syscalls against it, exercising fork/wait, pipe IPC, the filesystem, and
// procfs end to end without a real ELF binary to exec (spec.md §1 puts
// the boot loader and context-switch assembly out of scope, so there is
// no trap frame to resume a loaded program on).
package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/xv6go/kernel/fs"
	"github.com/xv6go/kernel/image"
	"github.com/xv6go/kernel/proc"
	"github.com/xv6go/kernel/procfs"
	"github.com/xv6go/kernel/sys"
	"github.com/xv6go/kernel/ugo"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var manifestPath string

	cmd := &cobra.Command{
		Use:   "xv6sim",
		Short: "Boot an xv6go image and run a scripted demo of its syscalls",
		RunE: func(cmd *cobra.Command, args []string) error {
			log, err := zap.NewProduction()
			if err != nil {
				return err
			}
			defer log.Sync()

			m := image.Default()
			if manifestPath != "" {
				f, err := os.Open(manifestPath)
				if err != nil {
					return err
				}
				defer f.Close()
				m, err = image.ParseManifest(f)
				if err != nil {
					return err
				}
			}
			return run(m, log)
		},
	}

	cmd.Flags().StringVar(&manifestPath, "manifest", "", "path to a YAML seed manifest (default: a small built-in image)")
	return cmd
}

func run(m *image.Manifest, log *zap.Logger) error {
	root, err := image.Build(m, log)
	if err != nil {
		return fmt.Errorf("xv6sim: building image: %w", err)
	}

	registry := fs.NewRegistry()
	registry.Register(root)

	table := proc.NewTable()
	pfs := procfs.New(table)
	procFilesystem := &fs.Filesystem{Index: 1, Ops: pfs, Cache: fs.NewCache()}
	registry.Register(procFilesystem)

	rootInode := root.Cache.Get(root, 1)
	init := table.UserInit(rootInode, rootInode.Idup(), ugo.RootCreds())

	system := sys.NewSystem(table, root, registry, procFilesystem, pfs)
	task := sys.NewTask(system, init)
	log.Info("booted", zap.String("boot_session", pfs.BootID.String()), zap.Int("init_pid", init.Pid))

	if errno := task.Mkdir("/tmp", 0755); errno != 0 {
		return fmt.Errorf("xv6sim: mkdir /tmp: errno %d", errno)
	}
	fd, errno := task.Open("/tmp/greeting", sys.OCreate|sys.ORdWr, 0644)
	if errno != 0 {
		return fmt.Errorf("xv6sim: open /tmp/greeting: errno %d", errno)
	}
	if _, errno := task.Write(fd, []byte("hello from xv6sim\n")); errno != 0 {
		return fmt.Errorf("xv6sim: write: errno %d", errno)
	}
	task.Close(fd)
	log.Info("wrote file", zap.String("path", "/tmp/greeting"))

	rfd, wfd, errno := task.Pipe()
	if errno != 0 {
		return fmt.Errorf("xv6sim: pipe: errno %d", errno)
	}
	childPid, errno := task.Fork()
	if errno != 0 {
		return fmt.Errorf("xv6sim: fork: errno %d", errno)
	}
	// Fork always returns the child's pid to the caller (there is no
	// second return point the way a real fork(2) has in the child):
	// a scripted demo drives the child's own syscalls through its own
	// Task value instead of a second goroutine resuming at fork's return.
	child, ok := table.Lookup(childPid)
	if !ok {
		return fmt.Errorf("xv6sim: forked child pid %d not found", childPid)
	}
	childTask := sys.NewTask(system, child)
	if _, errno := childTask.Write(wfd, []byte("ping\n")); errno != 0 {
		return fmt.Errorf("xv6sim: child write: errno %d", errno)
	}
	childTask.Close(wfd)
	if err := table.Exit(child, init, 0, nil); err != nil {
		return fmt.Errorf("xv6sim: child exit: %w", err)
	}

	buf := make([]byte, 16)
	n, errno := task.Read(rfd, buf)
	if errno != 0 {
		return fmt.Errorf("xv6sim: read pipe: errno %d", errno)
	}
	log.Info("pipe round trip", zap.String("got", string(buf[:n])))

	if _, errno := task.Wait(); errno != 0 {
		log.Warn("wait returned early", zap.Uint32("errno", uint32(errno)))
	}

	selfPid, errno := task.Open("/proc/self/pid", sys.ORdOnly, 0)
	if errno != 0 {
		return fmt.Errorf("xv6sim: open /proc/self/pid: errno %d", errno)
	}
	pidBuf := make([]byte, 16)
	n, _ = task.Read(selfPid, pidBuf)
	task.Close(selfPid)
	log.Info("procfs self lookup", zap.String("pid", string(pidBuf[:n])))

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := table.Shutdown(ctx); err != nil {
		log.Warn("shutdown did not fully drain", zap.Error(err))
	}
	return nil
}
