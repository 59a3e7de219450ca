package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/psantana5/render-experiments/internal/config"
)

var (
	configInitPath  string
	configInitForce bool
)

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Configuration management",
}

var configInitCmd = &cobra.Command{
	Use:   "init",
	Short: "Write a config file with the defaults",
	RunE: func(cmd *cobra.Command, args []string) error {
		if fileExists(configInitPath) && !configInitForce {
			return fmt.Errorf("%s already exists (use --force to overwrite)", configInitPath)
		}
		data, err := config.Default().YAML()
		if err != nil {
			return err
		}
		if err := os.WriteFile(configInitPath, data, 0644); err != nil {
			return fmt.Errorf("failed to write config: %w", err)
		}
		fmt.Printf("Wrote %s\n", configInitPath)
		return nil
	},
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Print the effective configuration",
	Long:  `Print the configuration after merging defaults, the config file and REXP_* environment variables.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		if IsJSONOutput() {
			return printJSON(cfg)
		}
		data, err := cfg.YAML()
		if err != nil {
			return err
		}
		fmt.Print(string(data))
		return nil
	},
}

func init() {
	rootCmd.AddCommand(configCmd)
	configCmd.AddCommand(configInitCmd)
	configCmd.AddCommand(configShowCmd)

	configInitCmd.Flags().StringVar(&configInitPath, "path", "rexp.yaml", "where to write the config")
	configInitCmd.Flags().BoolVar(&configInitForce, "force", false, "overwrite an existing file")
}
