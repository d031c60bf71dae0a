package cmd

import (
	"context"
	"fmt"
	"os"

	"github.com/peachycloudsecurity/exposed-files-scanner/pkg/gitdump"
	"github.com/peachycloudsecurity/exposed-files-scanner/pkg/http_utils"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"golang.org/x/term"
)

var dumpOutputDir string

// dumpCmd represents the dump command
var dumpCmd = &cobra.Command{
	Use:   "dump <url>",
	Short: "Dump an exposed git repository into a zip archive",
	Long: `Crawls /.git/ on the given origin, following refs, logs, trees, the index and pack
listings, and stores every retrieved file in <host>.zip together with DownloadStats.txt.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		dumpOpts, err := gitdump.DumpOptionsFromConfig()
		if err != nil {
			return err
		}
		dir := dumpOutputDir
		if dir == "" {
			dir = viper.GetString("dump.output_dir")
		}

		ctx, stop := signalContext(cmd.Context())
		defer stop()

		_, err = dumpRepository(ctx, http_utils.NewHTTPFetcherFromConfig(), args[0], dumpOpts, dir)
		return err
	},
}

// dumpRepository runs a single dump and saves the archive into dir.
func dumpRepository(ctx context.Context, fetcher *http_utils.HTTPFetcher, origin string, dumpOpts gitdump.DumpOptions, dir string) (string, error) {
	showProgress := term.IsTerminal(int(os.Stderr.Fd()))
	dumper := gitdump.New(
		fetcher.WithMaxBodySize(0),
		origin,
		gitdump.WithDumpOptions(dumpOpts),
		gitdump.WithProgressHandler(func(p gitdump.Progress) {
			if showProgress {
				fmt.Fprintf(os.Stderr, "\r\033[K[%s] %d retrieved, %d failed, %d requested", p.Status, p.Successful, p.Failed, p.Total)
			}
		}),
	)

	archive, err := dumper.Run(ctx)
	if showProgress {
		fmt.Fprintln(os.Stderr)
	}
	if err != nil {
		return "", err
	}

	path, err := archive.Save(dir)
	if err != nil {
		return "", err
	}
	log.Info().Str("origin", origin).Int("files", archive.Files).Str("archive", path).Msg("Repository archive saved")
	return path, nil
}

func init() {
	rootCmd.AddCommand(dumpCmd)

	dumpCmd.Flags().StringVarP(&dumpOutputDir, "output-dir", "d", "", "Directory for the archive (defaults to dump.output_dir)")
}
