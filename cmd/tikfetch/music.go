package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"tikfetch/pkg/pipeline"
	"tikfetch/pkg/ui"
)

// musicCmd represents the music command
var musicCmd = &cobra.Command{
	Use:   "music <link>",
	Short: "Download the sound of a post",
	Long: `Download the sound used by a video or slideshow and save it as <id>.mp3
in the output directory. Sounds are always read from the web page, whichever
extractor backend is configured.`,
	Args: cobra.ExactArgs(1),
	RunE: runMusic,
}

func init() {
	rootCmd.AddCommand(musicCmd)
	addDownloadFlags(musicCmd)
}

func runMusic(cmd *cobra.Command, args []string) error {
	ctx, stop := signalContext()
	defer stop()

	a, err := newApp(ctx, cmd.Flags(), false)
	if err != nil {
		return err
	}
	defer a.Close()

	out := a.orch.Music(ctx, pipeline.Request{Text: args[0], Bypass: true})
	if !out.OK() {
		if out.Err != nil {
			return fmt.Errorf("%s: %w", out.Key, out.Err)
		}
		return fmt.Errorf("%s", out.Key)
	}

	for _, f := range out.Files {
		ui.PrintInfo("Saved", f)
	}
	ui.PrintSuccess(fmt.Sprintf("Sound downloaded in %s", elapsed(out.Elapsed)))
	return nil
}
