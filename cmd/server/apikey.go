package main

import (
	"context"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/coder/quartz"
	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/kiranshivaraju/issuehound/internal/apikey"
	"github.com/kiranshivaraju/issuehound/internal/config"
	"github.com/kiranshivaraju/issuehound/internal/store"
	"github.com/kiranshivaraju/issuehound/pkg/models"
)

// APIKeyOptions holds flags for the apikey create command.
type APIKeyOptions struct {
	ProjectID   string
	ProjectName string
	Platform    string
	Name        string
	Scopes      []string
	ExpiresIn   time.Duration
}

func newAPIKeyCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "apikey",
		Short: "Manage API keys",
	}
	cmd.AddCommand(newAPIKeyCreateCommand())
	return cmd
}

func newAPIKeyCreateCommand() *cobra.Command {
	opts := &APIKeyOptions{}

	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create an API key, and its project when no project id is given",
		Long: `Create an API key and print it. The raw key is shown once and only its
hash is stored.

Examples:
  issuehound apikey create --project-name checkout --platform go
  issuehound apikey create --project-id 6f1c... --scopes read --expires-in 720h`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()

			cfg, err := config.LoadDatabase()
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			pool, err := store.Connect(ctx, cfg.Database)
			if err != nil {
				return fmt.Errorf("connect database: %w", err)
			}
			defer pool.Close()

			return createAPIKey(ctx, store.NewPostgresStore(pool), quartz.NewReal(), opts, cmd.OutOrStdout())
		},
	}

	cmd.Flags().StringVar(&opts.ProjectID, "project-id", "", "existing project to issue the key for")
	cmd.Flags().StringVar(&opts.ProjectName, "project-name", "", "name of a new project to create")
	cmd.Flags().StringVar(&opts.Platform, "platform", "", "platform of the new project")
	cmd.Flags().StringVar(&opts.Name, "name", "default", "key name")
	cmd.Flags().StringSliceVar(&opts.Scopes, "scopes", []string{models.ScopeIngest, models.ScopeRead}, "granted scopes")
	cmd.Flags().DurationVar(&opts.ExpiresIn, "expires-in", 0, "key lifetime; zero never expires")
	cmd.MarkFlagsMutuallyExclusive("project-id", "project-name")
	cmd.MarkFlagsOneRequired("project-id", "project-name")

	return cmd
}

func createAPIKey(ctx context.Context, s store.ProjectStore, clock quartz.Clock, opts *APIKeyOptions, out io.Writer) error {
	for _, scope := range opts.Scopes {
		if scope != models.ScopeIngest && scope != models.ScopeRead {
			return fmt.Errorf("unknown scope %q: must be ingest or read", scope)
		}
	}
	if opts.ExpiresIn < 0 {
		return fmt.Errorf("--expires-in must not be negative, got %s", opts.ExpiresIn)
	}

	now := clock.Now().UTC()
	var projectID uuid.UUID
	if opts.ProjectID != "" {
		id, err := uuid.Parse(opts.ProjectID)
		if err != nil {
			return fmt.Errorf("parse project id: %w", err)
		}
		projectID = id
	} else {
		name := strings.TrimSpace(opts.ProjectName)
		if name == "" {
			return fmt.Errorf("--project-name must not be blank")
		}
		p := &models.Project{ID: uuid.New(), Name: name, Platform: opts.Platform, CreatedAt: now}
		if err := s.CreateProject(ctx, p); err != nil {
			return fmt.Errorf("create project: %w", err)
		}
		projectID = p.ID
		fmt.Fprintf(out, "project: %s\n", p.ID)
	}

	raw, prefix, hash, err := apikey.Generate()
	if err != nil {
		return err
	}
	key := &models.APIKey{
		ID:        uuid.New(),
		ProjectID: projectID,
		Name:      opts.Name,
		KeyHash:   hash,
		KeyPrefix: prefix,
		Scopes:    opts.Scopes,
		CreatedAt: now,
	}
	if opts.ExpiresIn > 0 {
		exp := now.Add(opts.ExpiresIn)
		key.ExpiresAt = &exp
	}
	if err := s.CreateAPIKey(ctx, key); err != nil {
		return fmt.Errorf("create api key: %w", err)
	}

	fmt.Fprintf(out, "key: %s\n", raw)
	return nil
}
