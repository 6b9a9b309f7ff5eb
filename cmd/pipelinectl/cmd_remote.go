package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/splax/localvercel/pipeline/internal/domain"
	apiclient "github.com/splax/localvercel/pipeline/pkg/api/client"
	"github.com/splax/localvercel/pipeline/pkg/config"
	"github.com/splax/localvercel/pipeline/pkg/jwt"
)

const requestTimeout = 15 * time.Second

func newEnqueueCmd(flags *globalFlags) *cobra.Command {
	var job domain.DeployJob
	cmd := &cobra.Command{
		Use:   "enqueue <project-path>",
		Short: "Queue a deploy job for a checkout on the worker host",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			job.ProjectPath = args[0]
			if job.BuildID == "" {
				job.BuildID = uuid.NewString()
			}
			if job.VersionID == "" {
				job.VersionID = uuid.NewString()
			}
			if err := job.Validate(); err != nil {
				return err
			}
			client, err := flags.client()
			if err != nil {
				return err
			}
			ctx, cancel := context.WithTimeout(cmd.Context(), requestTimeout)
			defer cancel()
			if err := client.Enqueue(ctx, job); err != nil {
				return err
			}
			return flags.render(cmd.OutOrStdout(), job, func(w io.Writer) {
				fmt.Fprintf(w, "queued build %s (version %s)\n", job.BuildID, job.VersionID)
			})
		},
	}
	cmd.Flags().StringVar(&job.UserID, "user", "", "owning user id")
	cmd.Flags().StringVar(&job.ProjectID, "project", "", "project id")
	cmd.Flags().StringVar(&job.BuildID, "build", "", "build id (generated when empty)")
	cmd.Flags().StringVar(&job.VersionID, "version", "", "version id (generated when empty)")
	cmd.Flags().StringVar(&job.BaseVersionID, "base-version", "", "version this build derives from")
	cmd.Flags().StringVar(&job.Prompt, "prompt", "", "prompt recorded with the version")
	_ = cmd.MarkFlagRequired("user")
	_ = cmd.MarkFlagRequired("project")
	return cmd
}

func newStatusCmd(flags *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "status <build-id>",
		Short: "Show the run record of a build",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := flags.client()
			if err != nil {
				return err
			}
			ctx, cancel := context.WithTimeout(cmd.Context(), requestTimeout)
			defer cancel()
			run, err := client.Job(ctx, args[0])
			if err != nil {
				return err
			}
			return flags.render(cmd.OutOrStdout(), run, func(w io.Writer) {
				fmt.Fprintf(w, "%s  %s", run.BuildID, run.Status)
				if run.Stage != "" {
					fmt.Fprintf(w, "  stage=%s", run.Stage)
				}
				if run.PreviewURL != "" {
					fmt.Fprintf(w, "  %s", run.PreviewURL)
				}
				fmt.Fprintln(w)
				if run.Reason != "" {
					fmt.Fprintf(w, "reason: %s\n", run.Reason)
				}
			})
		},
	}
}

func newRollbackCmd(flags *globalFlags) *cobra.Command {
	var userID, newVersionID string
	cmd := &cobra.Command{
		Use:   "rollback <project-id> <target-version-id>",
		Short: "Redeploy the stored artifact of an earlier version",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := flags.client()
			if err != nil {
				return err
			}
			ctx, cancel := context.WithTimeout(cmd.Context(), 10*time.Minute)
			defer cancel()
			res, err := client.Rollback(ctx, userID, args[0], args[1], newVersionID)
			if apiclient.IsConflict(err) {
				return errors.New("another build or rollback holds the project; retry later")
			}
			if err != nil {
				return err
			}
			return flags.render(cmd.OutOrStdout(), res, func(w io.Writer) {
				fmt.Fprintf(w, "deployed %s at %s\n", res.VersionID, res.PreviewURL)
				for _, warning := range res.Warnings {
					fmt.Fprintf(w, "warning: %s\n", warning)
				}
			})
		},
	}
	cmd.Flags().StringVar(&userID, "user", "", "owning user id")
	cmd.Flags().StringVar(&newVersionID, "new-version", "", "id of the version created by the rollback")
	_ = cmd.MarkFlagRequired("user")
	return cmd
}

func newVersionsCmd(flags *globalFlags) *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "versions <project-id>",
		Short: "List the newest versions of a project",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := flags.client()
			if err != nil {
				return err
			}
			ctx, cancel := context.WithTimeout(cmd.Context(), requestTimeout)
			defer cancel()
			versions, err := client.Versions(ctx, args[0], limit)
			if err != nil {
				return err
			}
			return flags.render(cmd.OutOrStdout(), versions, func(w io.Writer) {
				writeVersions(w, versions)
			})
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 20, "maximum versions to list")
	return cmd
}

func writeVersions(w io.Writer, versions []domain.Version) {
	if len(versions) == 0 {
		fmt.Fprintln(w, "no versions")
		return
	}
	for _, v := range versions {
		display := "-"
		if v.DisplayVersion != nil {
			display = fmt.Sprintf("v%d", *v.DisplayVersion)
		}
		line := []string{display, v.ID, string(v.Lane), v.CreatedAt.Format(time.RFC3339)}
		if v.RolledBackFrom != "" {
			line = append(line, "rollback of "+v.RolledBackFrom)
		}
		if v.Artifact == nil {
			line = append(line, "no artifact")
		}
		fmt.Fprintln(w, strings.Join(line, "  "))
	}
}

func newDriftCmd(flags *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "drift <project-id> <project-path>",
		Short: "Compare a checkout's artifact marker with the published artifact",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := flags.client()
			if err != nil {
				return err
			}
			ctx, cancel := context.WithTimeout(cmd.Context(), requestTimeout)
			defer cancel()
			drift, err := client.Drift(ctx, args[0], args[1])
			if err != nil {
				return err
			}
			return flags.render(cmd.OutOrStdout(), drift, func(w io.Writer) {
				if !drift.Drifted {
					fmt.Fprintln(w, "in sync with published artifact")
					return
				}
				fmt.Fprintf(w, "drifted: %s\n", drift.Reason)
			})
		},
	}
}

func newTokenCmd() *cobra.Command {
	var subject string
	var scopes []string
	var ttl time.Duration
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Mint a service token signed with JWT_SECRET",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			secret := config.GetString("JWT_SECRET", "")
			if secret == "" {
				return errors.New("JWT_SECRET is not set")
			}
			token, err := jwt.GenerateToken(subject, scopes, secret, ttl)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), token)
			return nil
		},
	}
	cmd.Flags().StringVar(&subject, "subject", "pipelinectl", "calling service name")
	cmd.Flags().StringSliceVar(&scopes, "scope", []string{jwt.ScopeJobsWrite, jwt.ScopeJobsRead, jwt.ScopeProjectsRead, jwt.ScopeProjectsWrite}, "granted scopes")
	cmd.Flags().DurationVar(&ttl, "ttl", 24*time.Hour, "token lifetime")
	return cmd
}

func newLoginCmd(flags *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "login",
		Short: "Save the API URL and token for later commands",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if flags.apiBase != "" {
				cfg.APIBaseURL = flags.apiBase
			}
			if strings.TrimSpace(flags.token) == "" {
				return errors.New("--token is required")
			}
			cfg.Token = strings.TrimSpace(flags.token)
			if err := saveConfig(cfg); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "credentials saved")
			return nil
		},
	}
}
