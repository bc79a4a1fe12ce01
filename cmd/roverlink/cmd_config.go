package main

import (
	"fmt"
	"os"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
	"github.com/spf13/cobra"

	"github.com/roverlink/roverlink/internal/config"
)

var configForce bool

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Manage the configuration file",
	Long:  `Create, validate and edit the YAML configuration shared by rover and console`,
}

var configInitCmd = &cobra.Command{
	Use:   "init",
	Short: "Write the default configuration",
	Run: func(cmd *cobra.Command, args []string) {
		initConfig(cfgFile, configForce)
	},
}

var configCheckCmd = &cobra.Command{
	Use:   "check",
	Short: "Validate the configuration and print a summary",
	Run: func(cmd *cobra.Command, args []string) {
		checkConfig(cfgFile)
	},
}

var configSetCmd = &cobra.Command{
	Use:   "set <key> <value>",
	Short: "Set one key, e.g. console.broker_address 10.0.0.10:5100",
	Args:  cobra.ExactArgs(2),
	Run: func(cmd *cobra.Command, args []string) {
		setConfigKey(cfgFile, args[0], args[1])
	},
}

func init() {
	configInitCmd.Flags().BoolVar(&configForce, "force", false, "overwrite an existing file")
	configCmd.AddCommand(configInitCmd)
	configCmd.AddCommand(configCheckCmd)
	configCmd.AddCommand(configSetCmd)
	rootCmd.AddCommand(configCmd)
}

func initConfig(configPath string, force bool) {
	if _, err := os.Stat(configPath); err == nil && !force {
		fmt.Fprintf(os.Stderr, "ERROR: %s already exists. Use --force to overwrite it.\n", configPath)
		os.Exit(1)
	}

	if err := os.WriteFile(configPath, []byte(config.DefaultConfigYAML), 0600); err != nil {
		fmt.Fprintf(os.Stderr, "Error creating default config: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("Default configuration written to: %s\n", configPath)
	fmt.Println()
	fmt.Println("Review console.rover and rover.secondary.console before starting.")
}

func checkConfig(configPath string) {
	cfg, err := config.Load(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Invalid configuration: %v\n", err)
		os.Exit(1)
	}

	fmt.Printf("Configuration OK: %s\n", configPath)
	fmt.Println()
	fmt.Printf("Rover:    bind %s, shared port %d, secondary port %d\n",
		cfg.Rover.Bind, cfg.Rover.Ports.Shared, cfg.Rover.Ports.Secondary)
	fmt.Printf("Console:  %s, rover %s\n", cfg.Console.Mode, cfg.Console.Rover)
	for _, c := range cfg.Cameras {
		where := "primary"
		if c.Secondary {
			where = "secondary"
		}
		fmt.Printf("Camera %d: %q on %s (%s), console port %d\n", c.ID, c.Name, c.Device, where, c.Port)
	}
	if cfg.Audio.Enabled {
		fmt.Printf("Audio:    %s, console port %d\n", cfg.Audio.Device, cfg.Audio.Port)
	}
	fmt.Printf("API:      %s\n", cfg.API.Listen)
}

// setConfigKey edits one key in place and refuses a result that no longer validates
func setConfigKey(configPath, key, value string) {
	if err := updateConfig(configPath, map[string]string{key: value}); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("%s = %s saved to %s\n", key, value, configPath)
}

// updateConfig rewrites the file with the given keys set. The result is written to a
// temporary file and only moved into place once it loads.
func updateConfig(configPath string, values map[string]string) error {
	k := koanf.New(".")
	if err := k.Load(file.Provider(configPath), yaml.Parser()); err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	for key, value := range values {
		if err := k.Set(key, value); err != nil {
			return fmt.Errorf("failed to set %s: %w", key, err)
		}
	}

	yamlBytes, err := k.Marshal(yaml.Parser())
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	tmp := configPath + ".tmp"
	if err := os.WriteFile(tmp, yamlBytes, 0600); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}
	if _, err := config.Load(tmp); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("refusing change: %w", err)
	}
	return os.Rename(tmp, configPath)
}
