// Command mkfs builds a fresh xv6go filesystem image from a YAML manifest
// (spec.md §6's on-disk layout; mkfs.c's disk_file table, made data-driven).
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/xv6go/kernel/fs"
	"github.com/xv6go/kernel/image"
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
		Use:   "mkfs",
		Short: "Build a fresh xv6go filesystem image from a manifest",
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

			fsys, err := image.Build(m, log)
			if err != nil {
				return err
			}

			sb, err := fs.ReadSuperblock(fsys.Dev)
			if err != nil {
				return err
			}
			log.Info("image built",
				zap.Uint32("size_blocks", sb.Size),
				zap.Uint32("data_blocks", sb.NBlocks),
				zap.Uint32("ninodes", sb.NInodes),
				zap.Uint32("nlog", sb.NLog),
				zap.Int("dirs", len(m.Dirs)),
				zap.Int("files", len(m.Files)),
				zap.Int("passwd_entries", len(m.Passwd)),
				zap.Int("group_entries", len(m.Groups)),
			)
			return nil
		},
	}

	cmd.Flags().StringVar(&manifestPath, "manifest", "", "path to a YAML seed manifest (default: a small built-in image)")
	return cmd
}
