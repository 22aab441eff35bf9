// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Labyrinth Contributors

package main

import (
	"context"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/samber/oops"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/labyrinth/labyrinth/internal/auth"
	"github.com/labyrinth/labyrinth/internal/auth/postgres"
	"github.com/labyrinth/labyrinth/internal/store"
)

// Default timeout for seed command.
const defaultSeedTimeout = 30 * time.Second

// seedConfig holds configuration for the seed command.
type seedConfig struct {
	timeout       time.Duration
	questionsFile string
}

// questionFile is the YAML layout accepted by --questions.
type questionFile struct {
	Questions []struct {
		ID           int    `yaml:"id"`
		Prompt       string `yaml:"prompt"`
		MinAnswerLen int    `yaml:"min_answer_len"`
	} `yaml:"questions"`
}

// QuestionEnsurer inserts missing security questions.
type QuestionEnsurer interface {
	Ensure(ctx context.Context, questions []auth.SecurityQuestion) (int64, error)
}

// NewSeedCmd creates the seed subcommand.
func NewSeedCmd() *cobra.Command {
	cfg := &seedConfig{}

	cmd := &cobra.Command{
		Use:   "seed",
		Short: "Seed the security question catalog",
		Long: `Inserts the security questions users choose from during enrollment.
Questions come from --questions (YAML) or the built-in set. Existing
questions are left untouched, so the command can be run repeatedly.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runSeed(cmd, cfg)
		},
	}

	cmd.Flags().DurationVar(&cfg.timeout, "timeout", defaultSeedTimeout, "timeout for database operations (e.g., 30s, 1m)")
	cmd.Flags().StringVar(&cfg.questionsFile, "questions", "", "YAML file of security questions (default: built-in set)")

	return cmd
}

func runSeed(cmd *cobra.Command, cfg *seedConfig) error {
	questions := auth.DefaultSecurityQuestions()
	if cfg.questionsFile != "" {
		data, err := os.ReadFile(cfg.questionsFile)
		if err != nil {
			return oops.Code("SEED_FILE_UNREADABLE").With("path", cfg.questionsFile).Wrap(err)
		}
		questions, err = parseQuestions(data)
		if err != nil {
			return oops.With("path", cfg.questionsFile).Wrap(err)
		}
	}

	appCfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	url, err := databaseURL(appCfg)
	if err != nil {
		return err
	}

	// cmd.Context() carries SIGINT/SIGTERM cancellation.
	ctx, cancel := context.WithTimeout(cmd.Context(), cfg.timeout)
	defer cancel()

	cmd.Println("Connecting to database...")
	pool, err := store.Connect(ctx, url, store.ConnectOptions{})
	if err != nil {
		return oops.Code("DB_CONNECT_FAILED").With("operation", "connect to database").Wrap(err)
	}
	defer pool.Close()

	return seedQuestions(ctx, cmd, postgres.NewSecurityQuestionRepository(pool), questions)
}

func seedQuestions(ctx context.Context, cmd *cobra.Command, repo QuestionEnsurer, questions []auth.SecurityQuestion) error {
	inserted, err := repo.Ensure(ctx, questions)
	if err != nil {
		return oops.Code("SEED_FAILED").With("operation", "ensure security questions").Wrap(err)
	}
	skipped := int64(len(questions)) - inserted
	cmd.Printf("Security questions: %d inserted, %d already present\n", inserted, skipped)
	slog.Info("security questions seeded", "inserted", inserted, "skipped", skipped)
	return nil
}

// parseQuestions decodes and validates a question file. A missing
// min_answer_len defaults to 2.
func parseQuestions(data []byte) ([]auth.SecurityQuestion, error) {
	var file questionFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, oops.Code("SEED_FILE_INVALID").Wrap(err)
	}
	if len(file.Questions) == 0 {
		return nil, oops.Code("SEED_FILE_INVALID").Errorf("no questions defined")
	}

	seen := make(map[int]bool, len(file.Questions))
	out := make([]auth.SecurityQuestion, 0, len(file.Questions))
	for i, q := range file.Questions {
		prompt := strings.TrimSpace(q.Prompt)
		switch {
		case q.ID <= 0:
			return nil, oops.Code("SEED_FILE_INVALID").With("index", i).Errorf("question %d: id must be positive", i)
		case seen[q.ID]:
			return nil, oops.Code("SEED_FILE_INVALID").With("id", q.ID).Errorf("duplicate question id %d", q.ID)
		case prompt == "":
			return nil, oops.Code("SEED_FILE_INVALID").With("id", q.ID).Errorf("question %d: prompt is required", q.ID)
		case q.MinAnswerLen < 0:
			return nil, oops.Code("SEED_FILE_INVALID").With("id", q.ID).Errorf("question %d: min_answer_len must not be negative", q.ID)
		}
		seen[q.ID] = true

		minLen := q.MinAnswerLen
		if minLen == 0 {
			minLen = 2
		}
		out = append(out, auth.SecurityQuestion{ID: q.ID, Prompt: prompt, MinAnswerLen: minLen})
	}
	return out, nil
}
