package cmd

import (
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var (
	masterURL    string
	outputFormat string
	cfgFile      string
)

var rootCmd = &cobra.Command{
	Use:   "melonctl",
	Short: "admin CLI for a melon cluster",
	Long:  `melonctl inspects and manages jobs on a running melon master over its RPC API.`,
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is $HOME/.melonctl/config.yaml)")
	rootCmd.PersistentFlags().StringVar(&masterURL, "master", "", "master RPC URL (default from config or http://localhost:7000)")
	rootCmd.PersistentFlags().StringVar(&outputFormat, "output", "table", "output format: table or json")
}

func initConfig() {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		home, err := os.UserHomeDir()
		if err != nil {
			fmt.Fprintf(os.Stderr, "error finding home directory: %v\n", err)
			os.Exit(1)
		}
		viper.AddConfigPath(filepath.Join(home, ".melonctl"))
		viper.SetConfigName("config")
		viper.SetConfigType("yaml")
	}

	viper.AutomaticEnv()
	viper.BindEnv("master_url", "MELON_MASTER_URL")

	if err := viper.ReadInConfig(); err == nil {
		if viper.GetString("master_url") != "" && masterURL == "" {
			masterURL = viper.GetString("master_url")
		}
	}
	if masterURL == "" && viper.GetString("master_url") != "" {
		masterURL = viper.GetString("master_url")
	}
	if masterURL == "" {
		masterURL = "http://localhost:7000"
	}
}

// GetMasterURL returns the configured master URL with trailing slashes removed.
func GetMasterURL() string {
	return strings.TrimRight(masterURL, "/")
}

// IsJSONOutput reports whether JSON output was requested.
func IsJSONOutput() bool {
	return outputFormat == "json"
}

var httpClient = &http.Client{Timeout: 10 * time.Second}

// GetHTTPClient returns the shared HTTP client used by every subcommand.
func GetHTTPClient() *http.Client {
	return httpClient
}
