package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/apk-purifier/apk-purifier-go/internal/apkinfo"
	"github.com/apk-purifier/apk-purifier-go/internal/backend"
	"github.com/apk-purifier/apk-purifier-go/internal/queue"
	"github.com/apk-purifier/apk-purifier-go/internal/toolprobe"
	"github.com/google/uuid"
	"github.com/spf13/cobra"
)

func newToolsCmd() *cobra.Command {
	var asJSON bool

	cmd := &cobra.Command{
		Use:   "tools",
		Short: "Probe the configured decompiler backends",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := loadConfig()
			if err != nil {
				return err
			}
			backends, err := backend.FromConfig(cfg.Tools.Backends, logger)
			if err != nil {
				return err
			}
			registry := toolprobe.NewRegistry(backends, time.Duration(cfg.Tools.ProbeTimeoutSeconds)*time.Second, logger)
			descs := toolprobe.Sorted(registry.Probe(cmd.Context()))

			if asJSON {
				enc := json.NewEncoder(os.Stdout)
				enc.SetIndent("", "  ")
				return enc.Encode(descs)
			}

			for _, d := range descs {
				if d.Available {
					green.Printf("  ✓ %-10s", d.ID)
					fmt.Printf(" %-14s %s\n", d.Kind, d.Version)
				} else {
					red.Printf("  ✗ %-10s", d.ID)
					fmt.Printf(" %-14s %s\n", d.Kind, d.Reason)
				}
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "print descriptors as JSON")
	return cmd
}

func newAnalyzeCmd() *cobra.Command {
	var asJSON bool

	cmd := &cobra.Command{
		Use:   "analyze <apk>",
		Short: "Print APK metadata from the binary manifest without decompiling",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			info, err := apkinfo.Inspect(args[0])
			if err != nil {
				return err
			}
			if asJSON {
				enc := json.NewEncoder(os.Stdout)
				enc.SetIndent("", "  ")
				return enc.Encode(info)
			}

			bold.Println(filepath.Base(info.Path))
			fmt.Printf("  Package:     %s\n", info.PackageName)
			if info.Label != "" {
				fmt.Printf("  Label:       %s\n", info.Label)
			}
			fmt.Printf("  Version:     %s (%d)\n", info.VersionName, info.VersionCode)
			fmt.Printf("  SDK:         min %d, target %d\n", info.MinSDK, info.TargetSDK)
			fmt.Printf("  Dex files:   %d\n", info.DexCount)
			fmt.Printf("  Size:        %.2f MB\n", float64(info.Size)/(1024*1024))
			fmt.Printf("  SHA-256:     %s\n", info.SHA256)
			return nil
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "print metadata as JSON")
	return cmd
}

// newSubmitCmd 把净化请求发布到队列，由 serve 进程消费
func newSubmitCmd() *cobra.Command {
	var (
		scan   bool
		output string
		force  bool
	)

	cmd := &cobra.Command{
		Use:   "submit <apk>",
		Short: "Publish a purification request to the RabbitMQ queue",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := loadConfig()
			if err != nil {
				return err
			}
			source, err := filepath.Abs(args[0])
			if err != nil {
				return err
			}

			ctx, cancel := context.WithTimeout(cmd.Context(), time.Minute)
			defer cancel()
			mq, err := queue.NewRabbitMQ(ctx, cfg.RabbitMQ, 1, logger)
			if err != nil {
				return err
			}
			defer mq.Close()

			msg := &queue.JobMessage{
				RequestID:  uuid.New().String(),
				SourcePath: source,
				Operation:  "purify",
				OutputPath: output,
				Force:      force,
			}
			if scan {
				msg.Operation = "scan"
			}
			if err := queue.NewProducer(mq, logger).PublishJob(ctx, msg); err != nil {
				return err
			}
			green.Printf("Request %s published to %s\n", msg.RequestID, cfg.RabbitMQ.Queue)
			return nil
		},
	}
	cmd.Flags().BoolVar(&scan, "scan", false, "submit a read-only scan instead of purify")
	cmd.Flags().StringVarP(&output, "output", "o", "", "signed artifact path on the server")
	cmd.Flags().BoolVarP(&force, "force", "f", false, "overwrite an existing output")
	return cmd
}
