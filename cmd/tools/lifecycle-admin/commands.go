package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"

	"github.com/spf13/cobra"

	"application-lifecycle/internal/bootstrap"
	"application-lifecycle/internal/common/config"
	"application-lifecycle/internal/common/database"
	"application-lifecycle/internal/common/logger"
	"application-lifecycle/internal/lifecycle/service"
	"application-lifecycle/internal/lifecycle/store"
	"application-lifecycle/internal/models"
	"application-lifecycle/pkg/registry"
)

type globalOptions struct {
	configPath string
	logLevel   string
}

func (o *globalOptions) load() (*config.Config, logger.Logger, error) {
	var (
		cfg *config.Config
		err error
	)
	if o.configPath != "" {
		cfg, err = config.LoadFromFile(o.configPath)
	} else {
		cfg, err = config.Load()
	}
	if err != nil {
		return nil, nil, err
	}
	return cfg, logger.NewStructured(o.logLevel, "console"), nil
}

// session is an engine over the configured backing services.
type session struct {
	deps       *bootstrap.Deps
	components *bootstrap.Components
	logger     logger.Logger
}

func (o *globalOptions) open(ctx context.Context) (*session, error) {
	cfg, log, err := o.load()
	if err != nil {
		return nil, err
	}
	deps, err := bootstrap.Connect(ctx, cfg, log, bootstrap.Options{Attempts: 3})
	if err != nil {
		return nil, err
	}
	components, err := deps.Build(ctx, log, nil)
	if err != nil {
		deps.Close()
		return nil, err
	}
	return &session{deps: deps, components: components, logger: log}, nil
}

func (s *session) Close() { s.deps.Close() }

func commandContext(cmd *cobra.Command) (context.Context, context.CancelFunc) {
	return signal.NotifyContext(cmd.Context(), os.Interrupt)
}

func printJSON(w io.Writer, v interface{}) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func migrateCmd(opts *globalOptions) *cobra.Command {
	var statusOnly bool
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Apply pending schema migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, _, err := opts.load()
			if err != nil {
				return err
			}
			pg, err := database.NewPostgres(cfg.Database.Postgres)
			if err != nil {
				return err
			}
			defer pg.Close()

			if !statusOnly {
				if err := database.Migrate(pg.DB); err != nil {
					return err
				}
			}
			version, dirty, err := database.MigrationVersion(pg.DB)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "schema version: %d (dirty: %t)\n", version, dirty)
			return nil
		},
	}
	cmd.Flags().BoolVar(&statusOnly, "status", false, "Only report the applied version")
	return cmd
}

func reconcileCmd(opts *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "reconcile",
		Short: "Compare approved refunds with the payment processors",
		Long: `Runs one refund reconciliation pass. Confirmed reversals complete their
refund request; overdue or disputed reversals are alerted to staff and left
for manual resolution.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := commandContext(cmd)
			defer cancel()

			s, err := opts.open(ctx)
			if err != nil {
				return err
			}
			defer s.Close()

			report, err := s.components.Engine.ReconcileRefunds(ctx)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), report)
		},
	}
}

func verifyCmd(opts *globalOptions) *cobra.Command {
	var all bool
	cmd := &cobra.Command{
		Use:   "verify [application-id]",
		Short: "Recompute derived fields and report drift",
		Args: func(cmd *cobra.Command, args []string) error {
			if all {
				return cobra.NoArgs(cmd, args)
			}
			return cobra.ExactArgs(1)(cmd, args)
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := commandContext(cmd)
			defer cancel()

			s, err := opts.open(ctx)
			if err != nil {
				return err
			}
			defer s.Close()

			ids := args
			if all {
				ids, err = store.NewPostgres(s.deps.Postgres.DB).ListApplicationIDs(ctx)
				if err != nil {
					return err
				}
			}
			return verifyAll(ctx, cmd.OutOrStdout(), s.components.Engine, ids)
		},
	}
	cmd.Flags().BoolVar(&all, "all", false, "Verify every application")
	return cmd
}

type verifier interface {
	Verify(ctx context.Context, applicationID string) (*service.VerifyReport, error)
}

func verifyAll(ctx context.Context, w io.Writer, v verifier, ids []string) error {
	drifted := 0
	for _, id := range ids {
		report, err := v.Verify(ctx, id)
		if err != nil {
			return fmt.Errorf("verify %s: %w", id, err)
		}
		if report.Consistent() && len(ids) > 1 {
			continue
		}
		if !report.Consistent() {
			drifted++
		}
		if err := printJSON(w, report); err != nil {
			return err
		}
	}
	if drifted > 0 {
		return fmt.Errorf("%d of %d applications drifted", drifted, len(ids))
	}
	fmt.Fprintf(w, "%d application(s) consistent\n", len(ids))
	return nil
}

func forceTransitionCmd(opts *globalOptions) *cobra.Command {
	var (
		staffID         string
		to              string
		note            string
		override        bool
		expectedVersion int64
	)
	cmd := &cobra.Command{
		Use:   "force-transition <application-id>",
		Short: "Move an application to a status as staff, with an audited note",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			status, err := models.ParseStatus(to)
			if err != nil {
				return err
			}
			if strings.TrimSpace(staffID) == "" {
				return fmt.Errorf("--staff-id is required")
			}

			ctx, cancel := commandContext(cmd)
			defer cancel()

			s, err := opts.open(ctx)
			if err != nil {
				return err
			}
			defer s.Close()

			app, err := s.components.Engine.ForceTransition(ctx, models.Actor{ID: staffID, Role: models.RoleStaff}, service.ForceRequest{
				ApplicationID:   args[0],
				To:              status,
				Note:            note,
				Override:        override,
				ExpectedVersion: expectedVersion,
			})
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), app)
		},
	}
	cmd.Flags().StringVar(&staffID, "staff-id", "", "Staff member performing the change")
	cmd.Flags().StringVar(&to, "to", "", "Target status")
	cmd.Flags().StringVar(&note, "note", "", "Audit note (required)")
	cmd.Flags().BoolVar(&override, "override", false, "Allow targets outside the staff review edges")
	cmd.Flags().Int64Var(&expectedVersion, "expected-version", 0, "Fail if the application changed since this version")
	_ = cmd.MarkFlagRequired("to")
	_ = cmd.MarkFlagRequired("note")
	return cmd
}

func reindexCmd(opts *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "reindex",
		Short: "Rebuild the staff search index from the database",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := commandContext(cmd)
			defer cancel()

			s, err := opts.open(ctx)
			if err != nil {
				return err
			}
			defer s.Close()

			if s.components.Indexer == nil {
				return fmt.Errorf("search is disabled in this configuration")
			}
			st := store.NewPostgres(s.deps.Postgres.DB)
			ids, err := st.ListApplicationIDs(ctx)
			if err != nil {
				return err
			}
			for i, id := range ids {
				app, err := st.GetApplication(ctx, id)
				if err != nil {
					return err
				}
				if err := s.components.Indexer.Project(ctx, app); err != nil {
					return fmt.Errorf("index %s: %w", id, err)
				}
				if (i+1)%500 == 0 {
					fmt.Fprintf(cmd.OutOrStdout(), "indexed %d/%d\n", i+1, len(ids))
				}
			}
			fmt.Fprintf(cmd.OutOrStdout(), "indexed %d applications\n", len(ids))
			return nil
		},
	}
}

func invalidateCatalogCmd(opts *globalOptions) *cobra.Command {
	var tiers, addOns []string
	cmd := &cobra.Command{
		Use:   "invalidate-catalog",
		Short: "Drop cached catalog entries after a price change",
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(tiers) == 0 && len(addOns) == 0 {
				return fmt.Errorf("pass at least one --tier or --addon")
			}
			ctx, cancel := commandContext(cmd)
			defer cancel()

			s, err := opts.open(ctx)
			if err != nil {
				return err
			}
			defer s.Close()

			if err := s.components.Catalog.Invalidate(ctx, tiers, addOns); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "invalidated %d tier(s), %d add-on(s)\n", len(tiers), len(addOns))
			return nil
		},
	}
	cmd.Flags().StringSliceVar(&tiers, "tier", nil, "Tier ids")
	cmd.Flags().StringSliceVar(&addOns, "addon", nil, "Add-on ids")
	return cmd
}

func registryCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "registry",
		Short: "Inspect the worker activity registry",
	}

	var path string
	validate := &cobra.Command{
		Use:   "validate",
		Short: "Check ids, task types and input schemas",
		RunE: func(cmd *cobra.Command, args []string) error {
			reg, err := loadRegistry(path)
			if err != nil {
				return err
			}
			if errs := reg.Validate(); len(errs) > 0 {
				for _, e := range errs {
					fmt.Fprintln(cmd.ErrOrStderr(), "  -", e)
				}
				return fmt.Errorf("registry validation failed with %d error(s)", len(errs))
			}
			fmt.Fprintf(cmd.OutOrStdout(), "registry %s: %d activities valid\n", reg.Version, len(reg.Activities))
			return nil
		},
	}
	validate.Flags().StringVar(&path, "path", "", "Registry file (default: the compiled-in registry)")

	list := &cobra.Command{
		Use:   "list",
		Short: "List registered activities",
		RunE: func(cmd *cobra.Command, args []string) error {
			reg, err := loadRegistry(path)
			if err != nil {
				return err
			}
			for _, a := range reg.Activities {
				fmt.Fprintf(cmd.OutOrStdout(), "%-24s %-10s %-8s %s\n", a.TaskType, a.Category, a.Timeout, a.ImplementationStatus)
			}
			return nil
		},
	}
	list.Flags().StringVar(&path, "path", "", "Registry file (default: the compiled-in registry)")

	cmd.AddCommand(validate, list)
	return cmd
}

func loadRegistry(path string) (*registry.ActivityRegistry, error) {
	if path == "" {
		return registry.Default()
	}
	return registry.LoadRegistry(path)
}
