package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"campusbot/authorization"
	"campusbot/chatbot"
	"campusbot/config"
	"campusbot/database"
	"campusbot/knowledge"
	"campusbot/storage"
)

func newAskCmd() *cobra.Command {
	var (
		seedPath string
		asJSON   bool
	)

	cmd := &cobra.Command{
		Use:   "ask <message>",
		Short: "Answer one message from the command line",
		Long: `Answer one message without starting the server. The knowledge base comes
from --seed when given, otherwise from the configured database.`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := loadRuntime()
			if err != nil {
				return err
			}
			ctx := cmd.Context()

			var store knowledge.Store
			if seedPath != "" {
				seed, err := loadSeed(ctx, cfg, seedPath)
				if err != nil {
					return err
				}
				store = seed.MemoryStore()
			} else {
				db, err := database.Open(cfg.Database.Driver, cfg.Database.DSN, logger)
				if err != nil {
					return err
				}
				gormStore, err := knowledge.NewGormStore(db, logger)
				if err != nil {
					return err
				}
				store = gormStore
			}

			service := chatbot.NewService(
				knowledge.NewMatcher(store, logger),
				chatbot.NewFallback(cfg.Fallback.Responses, cfg.Fallback.Apology),
				nil,
				logger,
			)
			reply := service.Reply(ctx, strings.Join(args, " "), nil)
			return printReply(cmd.OutOrStdout(), reply, asJSON)
		},
	}

	cmd.Flags().StringVar(&seedPath, "seed", "", "answer from a seed file (local path or s3://key) instead of the database")
	cmd.Flags().BoolVar(&asJSON, "json", false, "print the full reply as JSON")
	return cmd
}

func printReply(w io.Writer, reply chatbot.Reply, asJSON bool) error {
	if asJSON {
		encoder := json.NewEncoder(w)
		encoder.SetIndent("", "  ")
		encoder.SetEscapeHTML(false)
		return encoder.Encode(reply)
	}

	if _, err := fmt.Fprintln(w, reply.Response); err != nil {
		return err
	}
	if verbose && reply.MatchedID != nil {
		_, err := fmt.Fprintf(w, "matched #%d via %s (score %d) in %s\n", *reply.MatchedID, reply.Stage, reply.Score, reply.Elapsed)
		return err
	}
	return nil
}

func newSeedCmd() *cobra.Command {
	var (
		dryRun  bool
		publish string
	)

	cmd := &cobra.Command{
		Use:   "seed <path>",
		Short: "Load a YAML knowledge seed into the database",
		Long: `Load a YAML knowledge seed into the database. Categories are matched by
name and entries by question, so re-running a seed updates it in place.
The path may be a local file or s3://key in the configured MinIO bucket.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := loadRuntime()
			if err != nil {
				return err
			}
			ctx := cmd.Context()
			out := cmd.OutOrStdout()

			if publish != "" {
				location, err := publishSeed(ctx, cfg, args[0], publish)
				if err != nil {
					return err
				}
				fmt.Fprintf(out, "published %s\n", location)
				return nil
			}

			seed, err := loadSeed(ctx, cfg, args[0])
			if err != nil {
				return err
			}
			if dryRun {
				categories, entries := seedSize(seed)
				fmt.Fprintf(out, "seed ok: %d categories, %d entries\n", categories, entries)
				return nil
			}

			store, _, err := openStores(cfg, logger)
			if err != nil {
				return err
			}
			stats, err := store.ApplySeed(ctx, seed)
			if err != nil {
				return err
			}
			fmt.Fprintf(out, "categories created: %d, categories updated: %d, entries created: %d, entries updated: %d\n",
				stats.CategoriesCreated, stats.CategoriesUpdated, stats.EntriesCreated, stats.EntriesUpdated)
			return nil
		},
	}

	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "validate the seed without writing")
	cmd.Flags().StringVar(&publish, "publish", "", "upload the local seed to this s3:// location instead of applying it")
	return cmd
}

func newMigrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Create or update the database schema",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, logger, err := loadRuntime()
			if err != nil {
				return err
			}
			if _, _, err := openStores(cfg, logger); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "schema up to date")
			return nil
		},
	}
}

// openStores opens the database and migrates both schemas.
func openStores(cfg *config.Config, logger zerolog.Logger) (*knowledge.GormStore, *chatbot.AnalyticsRepo, error) {
	db, err := database.Open(cfg.Database.Driver, cfg.Database.DSN, logger)
	if err != nil {
		return nil, nil, err
	}
	store, err := knowledge.NewGormStore(db, logger)
	if err != nil {
		return nil, nil, err
	}
	repo, err := chatbot.NewAnalyticsRepo(db)
	if err != nil {
		return nil, nil, err
	}
	if err := migrate(store, repo); err != nil {
		return nil, nil, err
	}
	return store, repo, nil
}

func migrate(store *knowledge.GormStore, repo *chatbot.AnalyticsRepo) error {
	if err := store.AutoMigrate(); err != nil {
		return fmt.Errorf("migrate knowledge: %w", err)
	}
	if err := repo.AutoMigrate(); err != nil {
		return fmt.Errorf("migrate analytics: %w", err)
	}
	return nil
}

// loadSeed reads a seed from a local file or, for s3:// locations, from the
// configured MinIO bucket.
func loadSeed(ctx context.Context, cfg *config.Config, location string) (*knowledge.Seed, error) {
	var reader io.Reader
	if storage.IsRemote(location) {
		bucket, err := storage.NewSeedBucket(ctx, cfg.MinIO)
		if err != nil {
			return nil, err
		}
		reader, err = bucket.Open(ctx, location)
		if err != nil {
			return nil, err
		}
	} else {
		file, err := os.Open(location)
		if err != nil {
			return nil, fmt.Errorf("open seed: %w", err)
		}
		defer file.Close()
		reader = file
	}

	seed, err := knowledge.ParseSeed(reader)
	if err != nil {
		return nil, fmt.Errorf("seed %s: %w", location, err)
	}
	return seed, nil
}

func applySeed(ctx context.Context, cfg *config.Config, store *knowledge.GormStore, location string) (knowledge.SeedStats, error) {
	seed, err := loadSeed(ctx, cfg, location)
	if err != nil {
		return knowledge.SeedStats{}, err
	}
	return store.ApplySeed(ctx, seed)
}

// publishSeed validates a local seed file and uploads it to the bucket.
func publishSeed(ctx context.Context, cfg *config.Config, localPath, location string) (string, error) {
	if !storage.IsRemote(location) {
		return "", fmt.Errorf("publish target %q must use the s3:// scheme", location)
	}
	data, err := os.ReadFile(localPath)
	if err != nil {
		return "", fmt.Errorf("read seed: %w", err)
	}
	if _, err := knowledge.ParseSeed(bytes.NewReader(data)); err != nil {
		return "", fmt.Errorf("seed %s: %w", localPath, err)
	}

	bucket, err := storage.NewSeedBucket(ctx, cfg.MinIO)
	if err != nil {
		return "", err
	}
	return bucket.Publish(ctx, location, data)
}

func seedSize(seed *knowledge.Seed) (categories, entries int) {
	for _, category := range seed.Categories {
		categories++
		entries += len(category.Entries)
	}
	return categories, entries
}

func newTokenCmd() *cobra.Command {
	var (
		userID   uint
		username string
		admin    bool
	)

	cmd := &cobra.Command{
		Use:   "token",
		Short: "Sign a development token with JWT_SECRET",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, _, err := loadRuntime()
			if err != nil {
				return err
			}
			guard, err := authorization.NewGuardFromSecret(cfg.JWTSecret)
			if err != nil {
				return err
			}

			identity := authorization.Identity{ID: userID, Username: username}
			if admin {
				identity.Roles = []string{authorization.RoleAdmin}
			}
			token, err := guard.IssueToken(identity)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), token)
			return nil
		},
	}

	cmd.Flags().UintVar(&userID, "user-id", 1, "user id claim")
	cmd.Flags().StringVar(&username, "username", "dev", "username claim")
	cmd.Flags().BoolVar(&admin, "admin", false, "grant the admin role")
	return cmd
}
