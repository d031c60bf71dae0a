package cmd

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/peachycloudsecurity/exposed-files-scanner/internal/config"
	"github.com/peachycloudsecurity/exposed-files-scanner/lib"
	"github.com/peachycloudsecurity/exposed-files-scanner/pkg/discovery"

	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Show current configuration",
	RunE: func(cmd *cobra.Command, args []string) error {
		file := viper.ConfigFileUsed()
		if file == "" {
			file = "(defaults)"
		}
		fmt.Printf("Using config file: %s\n", file)
		fmt.Println("Current configuration:")
		output, err := yaml.Marshal(viper.AllSettings())
		if err != nil {
			return fmt.Errorf("could not render configuration: %w", err)
		}
		fmt.Println(string(output))
		return nil
	},
}

var configDumpCmd = &cobra.Command{
	Use:   "dump",
	Short: "Dump configuration to file",
	RunE: func(cmd *cobra.Command, args []string) error {
		outputPath, _ := cmd.Flags().GetString("output")
		force, _ := cmd.Flags().GetBool("force")

		if outputPath == "" {
			return fmt.Errorf("output path is required")
		}
		if lib.LocalFileExists(outputPath) && !force {
			return fmt.Errorf("file %s already exists, use --force to overwrite", outputPath)
		}

		dir := filepath.Dir(outputPath)
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("error creating directory %s: %w", dir, err)
		}
		if err := viper.WriteConfigAs(outputPath); err != nil {
			return fmt.Errorf("error writing config: %w", err)
		}

		fmt.Printf("Configuration saved to %s\n", outputPath)
		return nil
	},
}

var configChecksCmd = &cobra.Command{
	Use:   "checks",
	Short: "List the check names accepted by scan --only and --skip",
	Run: func(cmd *cobra.Command, args []string) {
		table := tablewriter.NewWriter(os.Stdout)
		table.SetHeader([]string{"Check", "Enabled", "Paths"})
		table.SetAutoWrapText(false)
		for _, key := range config.FunctionKeys {
			table.Append([]string{key, fmt.Sprint(viper.GetBool("scan.functions." + key)), checkPaths(key)})
		}
		table.Render()
	},
}

func checkPaths(key string) string {
	for _, probe := range discovery.Probes {
		if probe.Function == key {
			return probe.Path
		}
	}
	for _, category := range discovery.Categories {
		if category.Function == key {
			return fmt.Sprintf("%d catalog paths", len(category.Paths))
		}
	}
	return ""
}

func init() {
	configCmd.AddCommand(configDumpCmd)
	configCmd.AddCommand(configChecksCmd)

	configDumpCmd.Flags().StringP("output", "o", "config.yml", "Output file path")
	configDumpCmd.Flags().BoolP("force", "f", false, "Force overwrite existing file")

	rootCmd.AddCommand(configCmd)
}
