// Command sysimage-server is a thin CLI wrapping the catalog tree and
// generator pipeline: enough of a caller to drive a publication cycle from
// a config file, not a replacement for the core packages it wires together.
package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/xfonelabs/system-image-server/pkg/api"
	"github.com/xfonelabs/system-image-server/pkg/config"
	"github.com/xfonelabs/system-image-server/pkg/generator"
	"github.com/xfonelabs/system-image-server/pkg/log"
	"github.com/xfonelabs/system-image-server/pkg/runlog"
	"github.com/xfonelabs/system-image-server/pkg/signer"
	"github.com/xfonelabs/system-image-server/pkg/transfer"
	"github.com/xfonelabs/system-image-server/pkg/tree"
)

type globalOptions struct {
	baseDir     string
	keyStoreDir string
	keyringHome string
	keyID       string
	logLevel    string
	isTerminal  bool
}

func main() {
	opts := &globalOptions{isTerminal: term.IsTerminal(int(os.Stdout.Fd()))}
	root := newRootCmd(opts)
	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd(opts *globalOptions) *cobra.Command {
	root := &cobra.Command{
		Use:   "sysimage-server",
		Short: "Operate a system-image publication tree",
	}
	root.PersistentFlags().StringVar(&opts.baseDir, "base-dir", "", "publication tree root")
	root.PersistentFlags().StringVar(&opts.keyStoreDir, "key-store", "", "named keyring store directory")
	root.PersistentFlags().StringVar(&opts.keyringHome, "gnupg-home", "", "GNUPGHOME passed explicitly to gpg, never to the process environment")
	root.PersistentFlags().StringVar(&opts.keyID, "key-id", "", "gpg key id used for signing")
	root.PersistentFlags().StringVar(&opts.logLevel, "log-level", "info", "one of trace, debug, info, warn, error")
	root.MarkPersistentFlagRequired("base-dir")

	root.AddCommand(newPublishCmd(opts))
	root.AddCommand(newExpireCmd(opts))
	root.AddCommand(newGCCmd(opts))
	root.AddCommand(newRenameCmd(opts))
	root.AddCommand(newAliasCmd(opts))
	root.AddCommand(newRedirectCmd(opts))
	root.AddCommand(newDeltaCmd(opts))
	return root
}

func (o *globalOptions) newTree() *tree.Tree {
	return tree.New(o.baseDir, o.signer())
}

func (o *globalOptions) signer() signer.Signer {
	return signer.GPG{KeyringHome: o.keyringHome, KeyID: o.keyID}
}

func newPublishCmd(opts *globalOptions) *cobra.Command {
	var configPath, channel, device, description string
	var imageType string
	var version, base, minVersion, keepFull int
	var hasBase, hasMinVersion, bootme bool

	cmd := &cobra.Command{
		Use:   "publish",
		Short: "Run a channel/device's configured generators and publish a new image",
		RunE: func(cmd *cobra.Command, args []string) error {
			logger := log.New(opts.logLevel)
			ctx := context.Background()
			startTime := time.Now()

			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			deviceCfg, ok := cfg.Channels[channel][device]
			if !ok {
				return fmt.Errorf("no configuration for channel %q device %q", channel, device)
			}

			journal, err := runlog.New(opts.baseDir, runlog.OSFileCreator{}, logger)
			if err != nil {
				return err
			}

			sgn := opts.signer()
			t := tree.New(opts.baseDir, sgn)
			deps := &generator.Deps{
				BaseDir:     opts.baseDir,
				KeyStoreDir: opts.keyStoreDir,
				Signer:      sgn,
				Fetcher:     transfer.NewHTTPFetcher(logger),
				Catalog:     t,
				Log:         logger,
			}
			dispatcher := generator.New(deps)

			env := &api.Environment{Channel: channel, Device: device, DeviceName: device, Version: version}
			for _, call := range deviceCfg.Generators {
				if _, err := dispatcher.Dispatch(ctx, call.Generator, call.Args, env); err != nil {
					return err
				}
			}
			if _, err := journal.Append(env.NewFiles); err != nil {
				logger.Warn("run journal: %s", err.Error())
			}
			if len(env.NewFiles) == 0 {
				logger.Info("no new files produced; skipping image record")
				return nil
			}

			var basePtr, minVersionPtr *int
			if hasBase {
				basePtr = &base
			}
			if hasMinVersion {
				minVersionPtr = &minVersion
			}
			typ := api.TypeFull
			if imageType == "delta" {
				typ = api.TypeDelta
			}
			if err := t.CreateImage(ctx, channel, device, typ, version, description, env.NewFiles, basePtr, minVersionPtr, bootme, env.VersionDetail.String()); err != nil {
				return err
			}
			if keepFull > 0 {
				if err := t.ExpireImages(ctx, channel, device, keepFull); err != nil {
					return err
				}
			}
			logger.Info("publish time    : %v", time.Since(startTime))
			return nil
		},
	}
	cmd.Flags().StringVar(&configPath, "config", "", "publication config YAML")
	cmd.Flags().StringVar(&channel, "channel", "", "target channel")
	cmd.Flags().StringVar(&device, "device", "", "target device")
	cmd.Flags().StringVar(&description, "description", "", "image description")
	cmd.Flags().StringVar(&imageType, "type", "full", "full or delta")
	cmd.Flags().IntVar(&version, "version", 0, "image version")
	cmd.Flags().IntVar(&base, "base", 0, "delta base version")
	cmd.Flags().BoolVar(&hasBase, "has-base", false, "set when --base is meaningful")
	cmd.Flags().IntVar(&minVersion, "minversion", 0, "minimum installed version required")
	cmd.Flags().BoolVar(&hasMinVersion, "has-minversion", false, "set when --minversion is meaningful")
	cmd.Flags().BoolVar(&bootme, "bootme", false, "mark image bootme")
	cmd.Flags().IntVar(&keepFull, "keep-full", 0, "expire older full images beyond this count after publishing (0 disables)")
	cmd.MarkFlagRequired("config")
	cmd.MarkFlagRequired("channel")
	cmd.MarkFlagRequired("device")
	return cmd
}

func newExpireCmd(opts *globalOptions) *cobra.Command {
	var channel, device string
	var keepFull int
	cmd := &cobra.Command{
		Use:   "expire",
		Short: "Drop older full images (and their orphaned deltas) beyond a retention count",
		RunE: func(cmd *cobra.Command, args []string) error {
			return opts.newTree().ExpireImages(context.Background(), channel, device, keepFull)
		},
	}
	cmd.Flags().StringVar(&channel, "channel", "", "channel")
	cmd.Flags().StringVar(&device, "device", "", "device")
	cmd.Flags().IntVar(&keepFull, "keep-full", 3, "number of full images to retain")
	cmd.MarkFlagRequired("channel")
	cmd.MarkFlagRequired("device")
	return cmd
}

func newGCCmd(opts *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "gc",
		Short: "Remove every file and directory the catalog no longer references",
		RunE: func(cmd *cobra.Command, args []string) error {
			return opts.newTree().CleanupTree(context.Background())
		},
	}
}

func newRenameCmd(opts *globalOptions) *cobra.Command {
	var oldName, newName string
	cmd := &cobra.Command{
		Use:   "rename",
		Short: "Rename a channel",
		RunE: func(cmd *cobra.Command, args []string) error {
			return opts.newTree().RenameChannel(context.Background(), oldName, newName)
		},
	}
	cmd.Flags().StringVar(&oldName, "old", "", "existing channel name")
	cmd.Flags().StringVar(&newName, "new", "", "new channel name")
	cmd.MarkFlagRequired("old")
	cmd.MarkFlagRequired("new")
	return cmd
}

func newAliasCmd(opts *globalOptions) *cobra.Command {
	var alias, target string
	cmd := &cobra.Command{
		Use:   "alias",
		Short: "Create (or re-sync) a channel alias",
		RunE: func(cmd *cobra.Command, args []string) error {
			t := opts.newTree()
			ctx := context.Background()
			if err := t.CreateChannelAlias(ctx, alias, target); err != nil {
				if err := t.SyncAlias(ctx, alias); err == nil {
					return nil
				}
				return err
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&alias, "alias", "", "alias channel name")
	cmd.Flags().StringVar(&target, "target", "", "channel the alias tracks")
	cmd.MarkFlagRequired("alias")
	cmd.MarkFlagRequired("target")
	return cmd
}

func newDeltaCmd(opts *globalOptions) *cobra.Command {
	var sourceName, targetName string
	cmd := &cobra.Command{
		Use:   "delta",
		Short: "Generate (or reuse) a binary delta between two existing pool entries",
		RunE: func(cmd *cobra.Command, args []string) error {
			sgn := opts.signer()
			deps := &generator.Deps{
				BaseDir:     opts.baseDir,
				KeyStoreDir: opts.keyStoreDir,
				Signer:      sgn,
				Fetcher:     transfer.NewHTTPFetcher(log.New(opts.logLevel)),
				Log:         log.New(opts.logLevel),
			}
			env := &api.Environment{}
			source := api.File{Path: "/pool/" + sourceName}
			target := api.File{Path: "/pool/" + targetName}
			f, err := generator.GenerateDelta(context.Background(), deps, env, source, target)
			if err != nil {
				return err
			}
			fmt.Println(f.Path)
			return nil
		},
	}
	cmd.Flags().StringVar(&sourceName, "source", "", "source pool file name")
	cmd.Flags().StringVar(&targetName, "target", "", "target pool file name")
	cmd.MarkFlagRequired("source")
	cmd.MarkFlagRequired("target")
	return cmd
}

func newRedirectCmd(opts *globalOptions) *cobra.Command {
	var redirect, target, device string
	cmd := &cobra.Command{
		Use:   "redirect",
		Short: "Create a channel or per-device redirect",
		RunE: func(cmd *cobra.Command, args []string) error {
			t := opts.newTree()
			ctx := context.Background()
			if device != "" {
				return t.CreatePerDeviceChannelRedirect(ctx, device, redirect, target)
			}
			return t.CreateChannelRedirect(ctx, redirect, target)
		},
	}
	cmd.Flags().StringVar(&redirect, "redirect", "", "redirect channel name")
	cmd.Flags().StringVar(&target, "target", "", "channel the redirect points at")
	cmd.Flags().StringVar(&device, "device", "", "restrict the redirect to one device")
	cmd.MarkFlagRequired("redirect")
	cmd.MarkFlagRequired("target")
	return cmd
}
