// Package cli is the cobra front end: flag parsing, config merging, and
// result presentation around the search pipeline.
package cli

import (
	"fmt"
	"os"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
)

func Main() {
	_ = godotenv.Load() // best-effort: load .env if present

	root := newRootCmd()
	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "phrasecut",
		Short:         "Find spoken phrases in videos and cut them into clips",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.SetOut(os.Stdout)
	root.SetErr(os.Stderr)

	root.PersistentFlags().String("config", "", "Config file path")
	root.PersistentFlags().String("clips-dir", "", "Directory for rendered clips")
	root.PersistentFlags().String("log-level", "", "Log level: debug, info, warn, error")
	root.PersistentFlags().String("log-format", "", "Log format: auto, console, json")
	root.PersistentFlags().Bool("json", false, "Emit JSON lines instead of tables")

	root.AddCommand(
		newSearchCmd(),
		newSentencesCmd(),
		newSilencesCmd(),
		newStoryCmd(),
		newRerenderCmd(),
		newMergeCmd(),
		newConfigCmd(),
	)
	return root
}

func newSearchCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "search <video>...",
		Short: "Search a phrase across video transcripts and export matching clips",
		Args:  cobra.MinimumNArgs(1),
		RunE:  runSearch,
	}
	cmd.Flags().StringP("phrase", "p", "", "Phrase to search for (required)")
	_ = cmd.MarkFlagRequired("phrase")
	cmd.Flags().Bool("partial", false, "Also match sub-spans of the phrase")
	cmd.Flags().Bool("all-partial", false, "Keep every sub-span, even single words")
	cmd.Flags().Int("max", 0, "Max clips per segment (0 uses config)")
	addRenderFlags(cmd)
	return cmd
}

func newSentencesCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "sentences <video>...",
		Short: "List the transcript sentences of each video",
		Args:  cobra.MinimumNArgs(1),
		RunE:  runSentences,
	}
}

func newSilencesCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "silences <video>...",
		Short: "Find silent stretches between spoken words",
		Args:  cobra.MinimumNArgs(1),
		RunE:  runSilences,
	}
	cmd.Flags().Float64("min", 1.0, "Minimum gap length in seconds")
	cmd.Flags().Float64("max", 0, "Maximum gap length in seconds (0 uses config)")
	cmd.Flags().Bool("export", false, "Export the found silences as clips")
	cmd.Flags().Int("limit", 0, "Cap on exported clips (0 for all)")
	addRenderFlags(cmd)
	return cmd
}

func newStoryCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "story <video>...",
		Short: "Plan a story from the transcripts and export clips per phrase",
		Args:  cobra.MinimumNArgs(1),
		RunE:  runStory,
	}
	cmd.Flags().StringP("theme", "t", "", "Theme or prompt for the story (required)")
	_ = cmd.MarkFlagRequired("theme")
	cmd.Flags().Int("sentences", 10, "Max sentences in the story")
	cmd.Flags().Bool("plan-only", false, "Print the plan without exporting clips")
	addRenderFlags(cmd)
	return cmd
}

func newRerenderCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "rerender <clip>",
		Short: "Re-cut one exported clip with custom bounds",
		Args:  cobra.ExactArgs(1),
		RunE:  runRerender,
	}
	cmd.Flags().String("source", "", "Source video the clip was cut from (required)")
	_ = cmd.MarkFlagRequired("source")
	cmd.Flags().Float64("start", 0, "New clip start in seconds")
	cmd.Flags().Float64("end", 0, "New clip end in seconds (required)")
	_ = cmd.MarkFlagRequired("end")
	addRenderFlags(cmd)
	return cmd
}

func newMergeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "merge <clip>...",
		Short: "Concatenate exported clips into one video",
		Args:  cobra.MinimumNArgs(2),
		RunE:  runMerge,
	}
	cmd.Flags().StringP("out", "o", "merged.mp4", "Output file")
	return cmd
}

func newConfigCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Manage configuration",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "init [path]",
		Short: "Write a sample config file",
		Args:  cobra.MaximumNArgs(1),
		RunE:  runConfigInit,
	})
	return cmd
}

// addRenderFlags attaches the knobs shared by every command that encodes.
func addRenderFlags(cmd *cobra.Command) {
	cmd.Flags().Int("gpu-streams", -1, "Concurrent hardware encode sessions (-1 uses config)")
	cmd.Flags().Int("workers", -1, "Render worker count (-1 uses config, 0 per physical core)")
	cmd.Flags().Float64("start-pad", -1, "Seconds of context before each match (-1 uses config)")
	cmd.Flags().Float64("end-pad", -1, "Seconds of context after each match (-1 uses config)")
}
