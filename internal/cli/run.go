package cli

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/mattn/go-isatty"
	"github.com/spf13/cobra"

	"github.com/forPelevin/phrasecut/internal/config"
	"github.com/forPelevin/phrasecut/internal/logging"
	"github.com/forPelevin/phrasecut/internal/pipeline"
	"github.com/forPelevin/phrasecut/internal/types"
	"github.com/forPelevin/phrasecut/internal/usecase"
)

// setup loads the config, applies the persistent flag overrides, and
// builds the logger. jsonOut is true when --json is set or stdout is not
// a terminal, so piped output is always machine-readable.
func setup(cmd *cobra.Command) (*config.Config, *slog.Logger, bool, error) {
	path, _ := cmd.Flags().GetString("config")
	cfg, _, _, err := config.Load(path)
	if err != nil {
		return nil, nil, false, err
	}

	if v, _ := cmd.Flags().GetString("clips-dir"); v != "" {
		if cfg.Paths.ClipsDir, err = filepath.Abs(v); err != nil {
			return nil, nil, false, err
		}
	}
	if v, _ := cmd.Flags().GetString("log-level"); v != "" {
		cfg.Logging.Level = v
	}
	if v, _ := cmd.Flags().GetString("log-format"); v != "" {
		cfg.Logging.Format = v
	}

	log, err := logging.New(logging.Options{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
		File:   cfg.Paths.LogFile,
	})
	if err != nil {
		return nil, nil, false, err
	}

	jsonOut, _ := cmd.Flags().GetBool("json")
	if !jsonOut {
		jsonOut = !isatty.IsTerminal(os.Stdout.Fd())
	}
	return cfg, log, jsonOut, nil
}

// applyRenderFlags copies the per-command encode knobs into the config.
// Negative values mean the flag was not set.
func applyRenderFlags(cmd *cobra.Command, cfg *config.Config) {
	if v, _ := cmd.Flags().GetInt("gpu-streams"); v >= 0 {
		cfg.Render.GPUStreams = v
	}
	if v, _ := cmd.Flags().GetInt("workers"); v >= 0 {
		cfg.Render.Workers = v
	}
	if v, _ := cmd.Flags().GetFloat64("start-pad"); v >= 0 {
		cfg.Render.StartPadding = v
	}
	if v, _ := cmd.Flags().GetFloat64("end-pad"); v >= 0 {
		cfg.Render.EndPadding = v
	}
}

func signalContext(parent context.Context) (context.Context, context.CancelFunc) {
	return signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
}

func runSearch(cmd *cobra.Command, args []string) error {
	cfg, log, jsonOut, err := setup(cmd)
	if err != nil {
		return err
	}
	applyRenderFlags(cmd, cfg)

	phrase, _ := cmd.Flags().GetString("phrase")
	partial, _ := cmd.Flags().GetBool("partial")
	allPartial, _ := cmd.Flags().GetBool("all-partial")
	maxResults, _ := cmd.Flags().GetInt("max")

	ctx, stop := signalContext(cmd.Context())
	defer stop()

	deps, err := pipeline.Build(ctx, cfg, log)
	if err != nil {
		return err
	}

	searchID, events, err := deps.Usecase.Search(ctx, usecase.SearchInput{
		Files:          args,
		Phrase:         phrase,
		IncludePartial: partial || allPartial,
		AllPartial:     allPartial,
		MaxResults:     maxResults,
	})
	if err != nil {
		return err
	}
	log.Info("search started", "search_id", searchID, "phrase", phrase, "files", len(args))

	return streamEvents(events, jsonOut)
}

func runSentences(cmd *cobra.Command, args []string) error {
	cfg, log, jsonOut, err := setup(cmd)
	if err != nil {
		return err
	}

	ctx, stop := signalContext(cmd.Context())
	defer stop()

	deps, err := pipeline.Build(ctx, cfg, log)
	if err != nil {
		return err
	}

	files, err := deps.Usecase.Sentences(ctx, args)
	if err != nil {
		return err
	}
	if jsonOut {
		return json.NewEncoder(os.Stdout).Encode(files)
	}
	for _, f := range files {
		fmt.Println(f.File)
		for i, s := range f.Sentences {
			fmt.Printf("%4d. %s\n", i+1, s)
		}
	}
	return nil
}

func runSilences(cmd *cobra.Command, args []string) error {
	cfg, log, jsonOut, err := setup(cmd)
	if err != nil {
		return err
	}
	applyRenderFlags(cmd, cfg)

	minGap, _ := cmd.Flags().GetFloat64("min")
	maxGap, _ := cmd.Flags().GetFloat64("max")
	export, _ := cmd.Flags().GetBool("export")
	limit, _ := cmd.Flags().GetInt("limit")

	ctx, stop := signalContext(cmd.Context())
	defer stop()

	deps, err := pipeline.Build(ctx, cfg, log)
	if err != nil {
		return err
	}

	if !export {
		ranges, err := deps.Usecase.FindSilences(ctx, args, minGap, maxGap)
		if err != nil {
			return err
		}
		if jsonOut {
			return json.NewEncoder(os.Stdout).Encode(ranges)
		}
		printSilenceRanges(os.Stdout, ranges)
		return nil
	}

	_, events, err := deps.Usecase.ExportSilences(ctx, usecase.ExportSilencesInput{
		Files:    args,
		MinGap:   minGap,
		MaxGap:   maxGap,
		MaxClips: limit,
	})
	if err != nil {
		return err
	}
	return streamEvents(events, jsonOut)
}

func runStory(cmd *cobra.Command, args []string) error {
	cfg, log, jsonOut, err := setup(cmd)
	if err != nil {
		return err
	}
	applyRenderFlags(cmd, cfg)

	theme, _ := cmd.Flags().GetString("theme")
	maxSentences, _ := cmd.Flags().GetInt("sentences")
	planOnly, _ := cmd.Flags().GetBool("plan-only")

	ctx, stop := signalContext(cmd.Context())
	defer stop()

	deps, err := pipeline.Build(ctx, cfg, log)
	if err != nil {
		return err
	}

	plan, err := deps.Usecase.PlanStory(ctx, usecase.StoryInput{
		Files:        args,
		Theme:        theme,
		MaxSentences: maxSentences,
	})
	if err != nil {
		return err
	}

	if jsonOut {
		if err := json.NewEncoder(os.Stdout).Encode(plan); err != nil {
			return err
		}
	} else {
		fmt.Println(plan.Explanation)
		for i, s := range plan.Sentences {
			fmt.Printf("%4d. %s\n", i+1, s.Sentence)
		}
	}
	if planOnly {
		return nil
	}

	// One exact search per quoted corpus segment, in story order.
	for _, s := range plan.Sentences {
		for _, phrase := range storyQueries(s) {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			searchID, events, err := deps.Usecase.Search(ctx, usecase.SearchInput{
				Files:  args,
				Phrase: phrase,
			})
			if err != nil {
				log.Warn("story search failed", "phrase", phrase, "error", err)
				continue
			}
			log.Info("story search started", "search_id", searchID, "phrase", phrase)
			if err := streamEvents(events, jsonOut); err != nil {
				return err
			}
		}
	}
	return nil
}

// storyQueries returns the corpus strings to search for one planned
// sentence. The planner composes sentences out of verbatim transcript
// segments, so only the segments are guaranteed an exact match; the
// sentence itself is the query only when no segments were quoted.
func storyQueries(s types.StorySentence) []string {
	if len(s.SourceSegments) > 0 {
		return s.SourceSegments
	}
	return []string{s.Sentence}
}

func runRerender(cmd *cobra.Command, args []string) error {
	cfg, log, _, err := setup(cmd)
	if err != nil {
		return err
	}
	applyRenderFlags(cmd, cfg)

	source, _ := cmd.Flags().GetString("source")
	start, _ := cmd.Flags().GetFloat64("start")
	end, _ := cmd.Flags().GetFloat64("end")

	clipPath, err := filepath.Abs(args[0])
	if err != nil {
		return err
	}
	sourcePath, err := filepath.Abs(source)
	if err != nil {
		return err
	}

	ctx, stop := signalContext(cmd.Context())
	defer stop()

	deps, err := pipeline.Build(ctx, cfg, log)
	if err != nil {
		return err
	}

	if err := deps.Usecase.Rerender(ctx, usecase.RerenderInput{
		ClipPath: clipPath,
		Source:   sourcePath,
		Start:    start,
		End:      end,
	}); err != nil {
		return err
	}
	fmt.Printf("rewrote %s [%.3f, %.3f]\n", clipPath, start, end)
	return nil
}

func runMerge(cmd *cobra.Command, args []string) error {
	cfg, log, _, err := setup(cmd)
	if err != nil {
		return err
	}

	outPath, _ := cmd.Flags().GetString("out")
	if outPath, err = filepath.Abs(outPath); err != nil {
		return err
	}
	clips := make([]string, 0, len(args))
	for _, a := range args {
		p, err := filepath.Abs(a)
		if err != nil {
			return err
		}
		clips = append(clips, p)
	}

	ctx, stop := signalContext(cmd.Context())
	defer stop()

	deps, err := pipeline.Build(ctx, cfg, log)
	if err != nil {
		return err
	}

	if err := deps.Usecase.Merge(ctx, usecase.MergeInput{Clips: clips, OutPath: outPath}); err != nil {
		return err
	}
	fmt.Printf("merged %d clips into %s\n", len(clips), outPath)
	return nil
}

func runConfigInit(cmd *cobra.Command, args []string) error {
	path := ""
	if len(args) == 1 {
		path = args[0]
	} else {
		defaultPath, err := config.DefaultConfigPath()
		if err != nil {
			return err
		}
		path = defaultPath
	}
	path, err := filepath.Abs(path)
	if err != nil {
		return err
	}

	if _, err := os.Stat(path); err == nil {
		return fmt.Errorf("config file already exists: %s", path)
	} else if !errors.Is(err, fs.ErrNotExist) {
		return err
	}

	if err := config.CreateSample(path); err != nil {
		return err
	}
	fmt.Printf("wrote %s\n", path)
	return nil
}
