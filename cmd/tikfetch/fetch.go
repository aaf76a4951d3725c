package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"tikfetch/pkg/checkpoint"
	"tikfetch/pkg/logger"
	"tikfetch/pkg/pipeline"
	"tikfetch/pkg/ui"
)

var (
	// Fetch command flags
	fetchJobs    int
	userKey      int64
	bypassQueue  bool
	skipExisting bool
	resumeName   string
)

// fetchCmd represents the fetch command
var fetchCmd = &cobra.Command{
	Use:   "fetch <link>...",
	Short: "Download videos and slideshows",
	Long: `Download the posts behind one or more links.

Links may be full video or photo links or short links. Pass "-" to read
links from standard input, one per line. Videos are saved as <id>.mp4 and
slideshow images as <id>-<n>.jpg in the output directory.

Several links run at once (--jobs); links sharing a --user key are queued
one after another, and a key holding queue_size requests rejects more.`,
	Example: `  # Download one video
  tikfetch fetch https://www.tiktok.com/@creator/video/7301234567890123456

  # Download a list of links, four at a time, into ./out
  tikfetch fetch - --jobs 4 --output ./out < links.txt

  # Resume an interrupted batch
  tikfetch fetch - --resume weekly < links.txt

  # Use the yt-dlp backend through a proxy list
  tikfetch fetch https://vm.tiktok.com/ZMabcdef/ --extractor ytdlp --proxy-file proxies.txt`,
	Args: cobra.MinimumNArgs(1),
	RunE: runFetch,
}

func init() {
	rootCmd.AddCommand(fetchCmd)

	addDownloadFlags(fetchCmd)
	fetchCmd.Flags().IntVarP(&fetchJobs, "jobs", "j", 2, "number of links processed at once")
	fetchCmd.Flags().Int64Var(&userKey, "user", 0, "queue key the links are submitted under")
	fetchCmd.Flags().BoolVar(&bypassQueue, "bypass-queue", false, "skip the per-user queue")
	fetchCmd.Flags().BoolVar(&skipExisting, "skip-existing", false, "skip posts already in the output directory")
	fetchCmd.Flags().StringVar(&resumeName, "resume", "", "named checkpoint; delivered links are skipped on the next run")
}

// addDownloadFlags registers the flags config.MergeCommandLineFlags reads
func addDownloadFlags(cmd *cobra.Command) {
	cmd.Flags().StringP("output", "o", "", "output directory for downloads")
	cmd.Flags().Int("workers", 0, "concurrent extraction and image downloads")
	cmd.Flags().Int("max-attempts", 0, "attempts per link before giving up")
	cmd.Flags().Duration("timeout", 0, "timeout of a single attempt")
	cmd.Flags().Int("queue-size", 0, "requests one user may hold (0 = unlimited)")
	cmd.Flags().String("extractor", "", "metadata backend (web, ytdlp)")
	cmd.Flags().String("proxy-file", "", "file with one proxy URL per line")
	cmd.Flags().StringP("profile", "p", "", "stored session profile to use")
	cmd.Flags().Int("image-limit", 0, "maximum slideshow images per post (0 = all)")
	cmd.Flags().String("history", "", "history backend (none, file, redis)")
}

// signalContext is cancelled on SIGINT or SIGTERM
func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}

func readLinks(args []string, stdin io.Reader) ([]string, error) {
	if len(args) != 1 || args[0] != "-" {
		return args, nil
	}

	var links []string
	scanner := bufio.NewScanner(stdin)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		links = append(links, line)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("failed to read links: %w", err)
	}
	return links, nil
}

func runFetch(cmd *cobra.Command, args []string) error {
	links, err := readLinks(args, cmd.InOrStdin())
	if err != nil {
		return err
	}
	if len(links) == 0 {
		return fmt.Errorf("no links given")
	}

	ctx, stop := signalContext()
	defer stop()

	a, err := newApp(ctx, cmd.Flags(), skipExisting)
	if err != nil {
		return err
	}
	defer a.Close()

	var cp *checkpoint.Manager
	if resumeName != "" {
		cp, err = checkpoint.NewManager(resumeName, a.log)
		if err != nil {
			return err
		}
		if _, err := cp.Open(resumeName, len(links)); err != nil {
			return err
		}
		total := len(links)
		links = cp.Pending(links)
		if done := total - len(links); done > 0 {
			ui.PrintInfo("Resuming", fmt.Sprintf("%d of %d links already done", done, total))
		}
	}

	ui.PrintInfo("Links", fmt.Sprintf("%d", len(links)))
	ui.PrintInfo("Output", a.cfg.Download.OutputDir)
	logger.LogComponentStart(a.log, "fetch", map[string]interface{}{
		"links":  len(links),
		"jobs":   fetchJobs,
		"user":   userKey,
		"bypass": bypassQueue,
	})

	progress := ui.NewProgressDisplay(len(links))

	var g errgroup.Group
	if fetchJobs > 0 {
		g.SetLimit(fetchJobs)
	}
	for _, link := range links {
		g.Go(func() error {
			out := a.orch.Process(ctx, pipeline.Request{
				UserKey: userKey,
				Text:    link,
				Bypass:  bypassQueue,
			})
			report(progress, link, out)
			if cp != nil {
				track(cp, a.log, link, out)
			}
			return nil
		})
	}
	_ = g.Wait()
	progress.Finish()

	if n := progress.Failed(); n > 0 {
		if cp != nil {
			ui.PrintInfo("Checkpoint", cp.Path())
		}
		return fmt.Errorf("%d of %d links failed", n, len(links))
	}
	if cp != nil {
		if err := cp.Delete(); err != nil {
			a.log.WithError(err).Warn("Failed to delete checkpoint")
		}
	}
	return nil
}

func track(cp *checkpoint.Manager, log logger.Logger, link string, out *pipeline.Outcome) {
	var err error
	if out.OK() {
		err = cp.RecordDone(link, out.RequestID)
	} else {
		err = cp.RecordFailure(link, string(out.Key))
	}
	if err != nil {
		log.WithError(err).Warn("Failed to update checkpoint")
	}
}

func report(progress *ui.ProgressDisplay, link string, out *pipeline.Outcome) {
	if !out.OK() {
		reason := string(out.Key)
		if out.Err != nil {
			reason += ": " + out.Err.Error()
		}
		progress.Fail(link, reason)
		return
	}

	var size int64
	for _, f := range out.Files {
		if info, err := os.Stat(f); err == nil {
			size += info.Size()
		}
	}
	progress.Complete(link, out.Files, size, out.Skipped)
}

// elapsed formats a duration for one-off command output
func elapsed(d time.Duration) string {
	return d.Round(time.Millisecond).String()
}
