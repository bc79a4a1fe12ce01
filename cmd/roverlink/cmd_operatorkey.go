package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/roverlink/roverlink/internal/apikey"
	"github.com/roverlink/roverlink/internal/config"
)

var operatorKeyCmd = &cobra.Command{
	Use:   "operatorkey",
	Short: "Manage the operator key",
	Long:  `Generate, rotate, or check the key required on console control requests`,
}

var operatorKeyGenerateCmd = &cobra.Command{
	Use:   "generate",
	Short: "Generate a new operator key",
	Long:  `Generate a new operator key and store its hash in the config file`,
	Run: func(cmd *cobra.Command, args []string) {
		generateOperatorKey(cfgFile)
	},
}

var operatorKeyRotateCmd = &cobra.Command{
	Use:   "rotate",
	Short: "Rotate the operator key",
	Long:  `Replace the current operator key. The old key stops working once consoles restart.`,
	Run: func(cmd *cobra.Command, args []string) {
		rotateOperatorKey(cfgFile)
	},
}

var operatorKeyStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show operator key status",
	Run: func(cmd *cobra.Command, args []string) {
		statusOperatorKey(cfgFile)
	},
}

func init() {
	operatorKeyCmd.AddCommand(operatorKeyGenerateCmd)
	operatorKeyCmd.AddCommand(operatorKeyRotateCmd)
	operatorKeyCmd.AddCommand(operatorKeyStatusCmd)
	rootCmd.AddCommand(operatorKeyCmd)
}

func generateOperatorKey(configPath string) {
	if _, err := os.Stat(configPath); err != nil {
		fmt.Printf("Config file not found. Creating default config at: %s\n", configPath)
		if err := os.WriteFile(configPath, []byte(config.DefaultConfigYAML), 0600); err != nil {
			fmt.Fprintf(os.Stderr, "Error creating default config: %v\n", err)
			os.Exit(1)
		}
		fmt.Println()
	} else {
		cfg := mustLoad(configPath)
		if cfg.API.OperatorKey.Hash != "" {
			fmt.Println("ERROR: An operator key is already configured.")
			fmt.Println()
			fmt.Printf("Use '%s operatorkey rotate' to replace it.\n", os.Args[0])
			os.Exit(1)
		}
	}

	key := storeNewKey(configPath)

	fmt.Println("New operator key generated:")
	fmt.Println()
	fmt.Printf("    %s\n", key)
	fmt.Println()
	fmt.Println("IMPORTANT: Save this key securely. It will not be shown again.")
	fmt.Println("Send it as 'Authorization: Bearer <key>' on control requests.")
}

func rotateOperatorKey(configPath string) {
	cfg := mustLoad(configPath)
	if cfg.API.OperatorKey.Hash == "" {
		fmt.Println("ERROR: No operator key is currently configured.")
		fmt.Println()
		fmt.Printf("Use '%s operatorkey generate' to create one.\n", os.Args[0])
		os.Exit(1)
	}

	fmt.Println("WARNING: This will invalidate the current operator key.")
	fmt.Print("Are you sure you want to continue? (yes/no): ")

	var response string
	fmt.Scanln(&response)
	if response != "yes" {
		fmt.Println("Rotation cancelled.")
		os.Exit(0)
	}

	key := storeNewKey(configPath)

	fmt.Println()
	fmt.Println("Operator key rotated:")
	fmt.Println()
	fmt.Printf("    %s\n", key)
	fmt.Println()
	fmt.Println("IMPORTANT: Save this key securely. It will not be shown again.")
	fmt.Println("Restart running consoles to apply it.")
}

func statusOperatorKey(configPath string) {
	cfg := mustLoad(configPath)
	if cfg.API.OperatorKey.Hash == "" {
		fmt.Println("Status: No operator key configured, control requests are open")
		fmt.Println()
		fmt.Println("Generate one with:")
		fmt.Printf("    %s operatorkey generate -c %s\n", os.Args[0], configPath)
		return
	}
	fmt.Println("Status: Operator key configured")
	if cfg.API.OperatorKey.CreatedAt != "" {
		fmt.Printf("Created: %s\n", cfg.API.OperatorKey.CreatedAt)
	}
	h := cfg.API.OperatorKey.Hash
	if len(h) > 20 {
		h = h[:20]
	}
	fmt.Printf("Hash: %s...\n", h)
}

func mustLoad(configPath string) *config.Config {
	cfg, err := config.Load(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error loading config: %v\n", err)
		os.Exit(1)
	}
	return cfg
}

// storeNewKey writes the hash of a fresh key and returns the key
func storeNewKey(configPath string) string {
	key, hash, err := apikey.GenerateWithHash()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error generating operator key: %v\n", err)
		os.Exit(1)
	}
	if err := updateConfig(configPath, map[string]string{
		"api.operator_key.hash":       hash,
		"api.operator_key.created_at": apikey.GetCreatedAt(),
	}); err != nil {
		fmt.Fprintf(os.Stderr, "Error updating config: %v\n", err)
		os.Exit(1)
	}
	if err := os.Chmod(configPath, 0600); err != nil {
		fmt.Fprintf(os.Stderr, "Warning: Failed to set config file permissions: %v\n", err)
	}
	return key
}
