package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/geoharvest/stacharvest/internal/utils"

	homedir "github.com/mitchellh/go-homedir"
	"github.com/spf13/viper"
)

var cfgFile string

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "stacharvest",
	Short: "Harvest open-data SAR STAC catalogs into GeoParquet tables.",
	Long: `stacharvest walks the Capella, ICEYE and Umbra open data catalogs,
fetches every STAC item, and writes per-provider GeoParquet tables in two
shapes: a compact one for map visualization and a full-fidelity one for
analysis-ready querying.`,
	CompletionOptions: cobra.CompletionOptions{
		DisableDefaultCmd: true,
	},
}

// Execute adds all child commands to the root command and sets flags appropriately.
// This is called by main.main(). It only needs to happen once to the rootCmd.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Println(err)
		os.Exit(1)
	}
}

func init() {
	cobra.OnInitialize(initConfig)
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is $HOME/.stacharvest.yaml)")
	rootCmd.PersistentFlags().StringP("loglevel", "l", "info", "Set log level. Available: debug, info, warn, error, fatal")
}

// initConfig reads in config file and ENV variables if set.
func initConfig() {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		home, err := homedir.Dir()
		if err != nil {
			fmt.Println(err)
			os.Exit(1)
		}
		viper.AddConfigPath(home)
		viper.SetConfigName(".stacharvest")
		viper.SetConfigType("yaml")
	}

	viper.SetEnvPrefix("stacharvest")
	viper.AutomaticEnv()

	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			fmt.Printf("Error reading config file: %s\n", err)
		}
	}

	viper.SetDefault("output", "parquets")
	viper.SetDefault("concurrency", 8)
	viper.SetDefault("minyield", 0.5)
	viper.SetDefault("reportdb", "")

	levelString, _ := rootCmd.PersistentFlags().GetString("loglevel")
	utils.SetLogLevel(levelString)
}
