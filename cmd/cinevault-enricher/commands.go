package main

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/JustinTDCT/cinevault-enricher/internal/db"
	"github.com/JustinTDCT/cinevault-enricher/internal/models"
	"github.com/JustinTDCT/cinevault-enricher/internal/repository"
)

func fetchCommand(e *env) *cobra.Command {
	var (
		params models.LookupParams
		media  string
		opts   models.FetchOptions
		bare   bool
	)
	cmd := &cobra.Command{
		Use:   "fetch",
		Short: "Fetch complete data for one title and print it as JSON",
		RunE: func(cmd *cobra.Command, args []string) error {
			params.MediaType = models.MediaType(media)
			if params.Empty() {
				return models.ErrNoExternalID
			}
			if !bare {
				opts.Include = models.IncludeAll()
			}
			a, err := e.open(cmd.Context())
			if err != nil {
				return err
			}
			defer a.Close()

			res := a.Service.GetCompleteData(cmd.Context(), params, opts)
			return printJSON(cmd.OutOrStdout(), res)
		},
	}
	f := cmd.Flags()
	f.IntVar(&params.TMDBID, "tmdb", 0, "TMDB id")
	f.StringVar(&params.IMDBID, "imdb", "", "IMDb id (tt...)")
	f.IntVar(&params.TVDBID, "tvdb", 0, "TVDB id")
	f.StringVar(&media, "type", string(models.MediaTypeMovie), "Media type: movie or tv")
	f.StringVar(&params.Language, "lang", "", "Metadata language")
	f.BoolVar(&opts.ForceRefresh, "force", false, "Ignore the cache and call the providers")
	f.DurationVar(&opts.MaxAge, "max-age", models.DefaultMaxAge, "Oldest cached data to accept")
	f.BoolVar(&bare, "bare", false, "Print only the entity row, without relations and images")
	return cmd
}

func selectCommand(e *env) *cobra.Command {
	var (
		entity     string
		categories []string
		maxAllowed int
		lang       string
	)
	cmd := &cobra.Command{
		Use:   "select",
		Short: "Score candidates and apply artwork selection for one entity",
		RunE: func(cmd *cobra.Command, args []string) error {
			entityID, err := uuid.Parse(entity)
			if err != nil {
				return fmt.Errorf("--entity: %w", err)
			}
			selected := models.AllCategories
			if len(categories) > 0 {
				selected = make([]models.AssetCategory, len(categories))
				for i, c := range categories {
					selected[i] = models.AssetCategory(c)
				}
			}

			a, err := e.open(cmd.Context())
			if err != nil {
				return err
			}
			defer a.Close()

			outcomes := make([]*models.SelectionOutcome, 0, len(selected))
			for _, category := range selected {
				limit := maxAllowed
				if limit < 0 {
					limit = e.cfg.MaxFor(string(category))
				}
				out, err := a.Service.ScoreAndSelect(cmd.Context(), entityID, category, limit, lang)
				if err != nil {
					return fmt.Errorf("%s: %w", category, err)
				}
				outcomes = append(outcomes, out)
			}
			return printJSON(cmd.OutOrStdout(), outcomes)
		},
	}
	f := cmd.Flags()
	f.StringVar(&entity, "entity", "", "Cached entity id")
	f.StringSliceVar(&categories, "category", nil, "Categories to select (default all)")
	f.IntVar(&maxAllowed, "max", -1, "Images to keep per category (default from configuration)")
	f.StringVar(&lang, "lang", "", "Preferred artwork language")
	_ = cmd.MarkFlagRequired("entity")
	return cmd
}

func gcCommand(e *env) *cobra.Command {
	return &cobra.Command{
		Use:   "gc",
		Short: "Run one media cache garbage collection sweep",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := e.open(cmd.Context())
			if err != nil {
				return err
			}
			defer a.Close()

			start := time.Now()
			report, err := a.Collector().Sweep(cmd.Context())
			if err != nil {
				return err
			}
			e.log.Info("gc finished", "elapsed", time.Since(start))
			return printJSON(cmd.OutOrStdout(), report)
		},
	}
}

func migrateCommand(e *env) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Create or update the database schema",
		RunE: func(cmd *cobra.Command, args []string) error {
			conn, err := db.Connect(e.cfg.DatabaseURL)
			if err != nil {
				return err
			}
			defer conn.Close()
			if err := db.Migrate(cmd.Context(), conn); err != nil {
				return err
			}
			e.log.Info("schema up to date")
			return nil
		},
	}
}

func settingsCommand(e *env) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "settings",
		Short: "Manage settings stored in the database",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "set KEY VALUE",
		Short: "Store a setting that overrides the environment on next start",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			conn, err := db.Connect(e.cfg.DatabaseURL)
			if err != nil {
				return err
			}
			defer conn.Close()
			if err := db.Migrate(cmd.Context(), conn); err != nil {
				return err
			}
			if err := repository.NewSettingsRepository(conn).Set(cmd.Context(), args[0], args[1]); err != nil {
				return err
			}
			e.log.Info("setting stored", "key", args[0])
			return nil
		},
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "get KEY",
		Short: "Print a stored setting",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			conn, err := db.Connect(e.cfg.DatabaseURL)
			if err != nil {
				return err
			}
			defer conn.Close()
			value, err := repository.NewSettingsRepository(conn).Get(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), value)
			return nil
		},
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "unset KEY",
		Short: "Remove a stored setting",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			conn, err := db.Connect(e.cfg.DatabaseURL)
			if err != nil {
				return err
			}
			defer conn.Close()
			return repository.NewSettingsRepository(conn).Delete(cmd.Context(), args[0])
		},
	})
	return cmd
}
