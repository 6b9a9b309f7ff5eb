package main

import (
	"context"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/splax/localvercel/pipeline/internal/artifact"
	"github.com/splax/localvercel/pipeline/internal/domain"
	"github.com/splax/localvercel/pipeline/internal/framework"
	"github.com/splax/localvercel/pipeline/internal/pkgmanager"
	"github.com/splax/localvercel/pipeline/internal/storage/stores"
	"github.com/splax/localvercel/pipeline/internal/target"
	"github.com/splax/localvercel/pipeline/pkg/config"
)

type detectReport struct {
	PackageManager domain.PackageManager  `json:"packageManager"`
	LockFile       string                 `json:"lockFile,omitempty"`
	Framework      framework.Framework    `json:"framework"`
	Signals        []string               `json:"signals,omitempty"`
	Target         domain.TargetDetection `json:"target"`
}

func newDetectCmd(flags *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "detect <dir>",
		Short: "Report package manager, framework and deployment lane of a built checkout",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			dir := args[0]
			ctx, cancel := context.WithTimeout(cmd.Context(), 30*time.Second)
			defer cancel()

			pm := pkgmanager.NewDetector(2, 100*time.Millisecond).Detect(ctx, dir)
			fw := framework.Detect(dir)
			report := detectReport{
				PackageManager: pm.Manager,
				LockFile:       pm.LockFile,
				Framework:      fw.Framework,
				Signals:        fw.Signals,
				Target:         target.NewDetector(nil).Detect(ctx, dir),
			}
			return flags.render(cmd.OutOrStdout(), report, func(w io.Writer) {
				fmt.Fprintf(w, "package manager: %s\n", report.PackageManager)
				fmt.Fprintf(w, "framework:       %s\n", orUnknown(string(report.Framework)))
				fmt.Fprintf(w, "lane:            %s (%s)\n", report.Target.Target, report.Target.Origin)
				for _, reason := range report.Target.Reasons {
					fmt.Fprintf(w, "  - %s\n", reason)
				}
			})
		},
	}
}

func newPackageCmd(flags *globalFlags) *cobra.Command {
	var userID, projectID, versionID string
	var marker bool
	cmd := &cobra.Command{
		Use:   "package <output-dir>",
		Short: "Archive a build output and upload it to the configured artifact store",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadPipelineConfig()
			if err != nil {
				return err
			}
			ctx, cancel := context.WithTimeout(cmd.Context(), 10*time.Minute)
			defer cancel()
			store, err := stores.Open(ctx, cfg)
			if err != nil {
				return err
			}
			if closer, ok := store.(io.Closer); ok {
				defer closer.Close()
			}
			packager := artifact.NewPackager(store, nil, artifact.WithLimits(cfg.ArtifactMaxSize, cfg.ArtifactWarn))
			out, err := packager.Package(ctx, artifact.Request{
				UserID:    userID,
				ProjectID: projectID,
				VersionID: versionID,
				OutputDir: args[0],
			})
			if err != nil {
				return err
			}
			if out.Record != nil && marker {
				if err := artifact.WriteMarker(args[0], artifact.Marker{
					VersionID: out.Record.VersionID,
					Checksum:  out.Record.SHA256Checksum,
					Timestamp: out.Record.CreatedAt,
				}); err != nil {
					return fmt.Errorf("write marker: %w", err)
				}
			}
			return flags.render(cmd.OutOrStdout(), out, func(w io.Writer) {
				for _, warning := range out.Warnings {
					fmt.Fprintf(w, "warning: %s\n", warning)
				}
				if out.Record == nil {
					fmt.Fprintln(w, "artifact not uploaded")
					return
				}
				fmt.Fprintf(w, "stored %s (%d bytes, %s tier)\n", out.Record.StorageKey, out.Record.SizeBytes, out.Record.RetentionTier)
				fmt.Fprintf(w, "sha256 %s\n", out.Record.SHA256Checksum)
			})
		},
	}
	cmd.Flags().StringVar(&userID, "user", "", "owning user id")
	cmd.Flags().StringVar(&projectID, "project", "", "project id")
	cmd.Flags().StringVar(&versionID, "version", "", "version id")
	cmd.Flags().BoolVar(&marker, "marker", true, "write the artifact marker into the output dir")
	for _, name := range []string{"user", "project", "version"} {
		_ = cmd.MarkFlagRequired(name)
	}
	return cmd
}

func orUnknown(s string) string {
	if strings.TrimSpace(s) == "" {
		return "unknown"
	}
	return s
}
