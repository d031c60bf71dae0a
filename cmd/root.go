package cmd

import (
	"fmt"
	"os"
	"strings"

	"github.com/peachycloudsecurity/exposed-files-scanner/lib"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var cfgFile string
var debugLogging bool
var prettyLogs bool
var logFile string

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "exposed-files-scanner",
	Short: "Find exposed repositories, secrets and debug files on web servers",
	Long: `Checks a list of web origins for publicly reachable VCS metadata (.git, .svn, .hg),
environment and config files, backups, logs, package manifests and debug endpoints.

Exposed git repositories can be dumped into a zip archive for offline review.`,
	SilenceUsage: true,
}

// Execute adds all child commands to the root command and sets flags appropriately.
// This is called by main.main(). It only needs to happen once to the rootCmd.
func Execute() {
	cobra.CheckErr(rootCmd.Execute())
}

func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is ./config.yml or /etc/exposed-files-scanner/config.yml)")
	rootCmd.PersistentFlags().BoolVar(&debugLogging, "debug", false, "Use debug level logging")
	rootCmd.PersistentFlags().BoolVar(&prettyLogs, "pretty", true, "Use pretty logging instead JSON")
	rootCmd.PersistentFlags().StringVar(&logFile, "log-file", "", "Also write logs to this file")

	rootCmd.PersistentPreRunE = func(cmd *cobra.Command, args []string) error {
		switch {
		case logFile != "":
			if err := lib.ZeroConsoleAndFileLog(logFile, prettyLogs); err != nil {
				return fmt.Errorf("could not open log file: %w", err)
			}
		case prettyLogs:
			lib.ZeroConsoleLog()
		default:
			lib.ZeroJSONLog()
		}
		if debugLogging {
			zerolog.SetGlobalLevel(zerolog.DebugLevel)
		} else {
			zerolog.SetGlobalLevel(zerolog.InfoLevel)
		}
		return nil
	}
}

// initConfig reads in config file and ENV variables if set.
func initConfig() {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
		cobra.CheckErr(viper.ReadInConfig())
		fmt.Fprintln(os.Stderr, "Using config file:", viper.ConfigFileUsed())
	}

	// SCAN_TIMEOUT_MS overrides scan.timeout_ms and so on.
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()
}
