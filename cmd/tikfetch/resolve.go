package main

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"tikfetch/pkg/tiktok"
)

// resolveCmd represents the resolve command
var resolveCmd = &cobra.Command{
	Use:   "resolve <text>...",
	Short: "Find a link in text and print its canonical form",
	Long: `Find the first supported link in the given text, expand it if it is a
short link, and print the canonical link and post id. Nothing is downloaded.`,
	Args: cobra.MinimumNArgs(1),
	RunE: runResolve,
}

func init() {
	rootCmd.AddCommand(resolveCmd)
	resolveCmd.Flags().String("proxy-file", "", "file with one proxy URL per line")
}

func runResolve(cmd *cobra.Command, args []string) error {
	ctx, stop := signalContext()
	defer stop()

	cfg, err := loadConfig(cmd.Flags())
	if err != nil {
		return err
	}

	client, err := tiktok.NewClientFromConfig(cfg, nil, nil)
	if err != nil {
		return err
	}
	defer client.Close()

	text := strings.Join(args, " ")
	link, ok := client.Resolve(text)
	if !ok {
		return fmt.Errorf("no supported link found")
	}

	canonical, err := client.Canonicalize(ctx, link)
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	fmt.Fprintln(out, canonical)
	if id, ok := tiktok.VideoID(canonical); ok {
		fmt.Fprintf(out, "id: %s\n", id)
	}
	return nil
}
