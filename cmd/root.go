package cmd

import (
	"fmt"
	"log"
	"os"
	"path/filepath"
	"runtime"
	"strings"

	"github.com/prepio/relay/config"
	"github.com/prepio/relay/pkg/cmd/cli"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var cfgFile string
var c = new(config.Config)
var cmdHandler = cli.NewHandler(c)

var (
	Version   = "dev-master"
	BuildTime = "undefined"
	GitHash   = "undefined"
)

// RootCmd represents the base command when called without any subcommands
var RootCmd = &cobra.Command{
	Use:   "relay",
	Short: "Realtime event relay server",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Println(cmd.UsageString())
		os.Exit(2)
	},
}

// Execute runs the relay and is called by main.main()
func Execute() {
	c.BuildTime = BuildTime
	c.BuildVersion = Version
	c.BuildHash = GitHash

	if err := RootCmd.Execute(); err != nil {
		fmt.Println(err)
		os.Exit(1)
	}
}

func init() {
	cobra.OnInitialize(initConfig)
}

// initConfig reads in config file and ENV variables if set.
func initConfig() {
	if cfgFile != "" {
		// enable ability to specify config file via flag
		viper.SetConfigFile(cfgFile)
	} else {
		path := absPathify("$HOME")
		if _, err := os.Stat(filepath.Join(path, ".relay.yml")); err != nil {
			_, _ = os.Create(filepath.Join(path, ".relay.yml"))
		}

		viper.SetConfigType("yaml")
		viper.SetConfigName(".relay") // name of config file (without extension)
		viper.AddConfigPath("$HOME")  // adding home directory as first search path
	}
	viper.AutomaticEnv() // read in environment variables that match

	// Fetch settings
	viper.BindEnv("PORT")
	viper.SetDefault("PORT", 4001)

	viper.BindEnv("HOST")
	viper.SetDefault("HOST", "")

	viper.BindEnv("ALLOWED_ORIGINS")
	viper.SetDefault("ALLOWED_ORIGINS", "")

	viper.BindEnv("DATABASE_URL")
	viper.SetDefault("DATABASE_URL", "")

	viper.BindEnv("NATS_URL")
	viper.SetDefault("NATS_URL", "")

	viper.BindEnv("REDIS_URL")
	viper.SetDefault("REDIS_URL", "")

	viper.BindEnv("AUTH_SECRET")
	viper.SetDefault("AUTH_SECRET", "")

	viper.BindEnv("AUTH_TIMEOUT")
	viper.SetDefault("AUTH_TIMEOUT", 10)

	viper.BindEnv("HEARTBEAT_INTERVAL")
	viper.SetDefault("HEARTBEAT_INTERVAL", 25)

	viper.BindEnv("HEARTBEAT_TIMEOUT")
	viper.SetDefault("HEARTBEAT_TIMEOUT", 75)

	viper.BindEnv("QUEUE_CAPACITY")
	viper.SetDefault("QUEUE_CAPACITY", 50)

	viper.BindEnv("QUEUE_MAX_ATTEMPTS")
	viper.SetDefault("QUEUE_MAX_ATTEMPTS", 5)

	viper.BindEnv("RATE_DEFAULT_CEILING")
	viper.SetDefault("RATE_DEFAULT_CEILING", 30)

	viper.BindEnv("RATE_DEFAULT_WINDOW_MS")
	viper.SetDefault("RATE_DEFAULT_WINDOW_MS", 10000)

	viper.BindEnv("RATE_ANALYSIS_CEILING")
	viper.SetDefault("RATE_ANALYSIS_CEILING", 10)

	viper.BindEnv("RATE_ANALYSIS_WINDOW_MS")
	viper.SetDefault("RATE_ANALYSIS_WINDOW_MS", 60000)

	viper.BindEnv("RATE_SCREENSHOT_CEILING")
	viper.SetDefault("RATE_SCREENSHOT_CEILING", 3)

	viper.BindEnv("RATE_SCREENSHOT_WINDOW_MS")
	viper.SetDefault("RATE_SCREENSHOT_WINDOW_MS", 60000)

	// If a config file is found, read it in.
	if err := viper.ReadInConfig(); err != nil {
		fmt.Printf(`Config file not found because "%s"`, err)
		fmt.Println("")
	}

	if err := viper.Unmarshal(c); err != nil {
		log.Fatal(fmt.Sprintf("Could not read config because %s.", err))
	}
}

func absPathify(inPath string) string {
	if strings.HasPrefix(inPath, "$HOME") {
		inPath = userHomeDir() + inPath[5:]
	}

	if strings.HasPrefix(inPath, "$") {
		end := strings.Index(inPath, string(os.PathSeparator))
		inPath = os.Getenv(inPath[1:end]) + inPath[end:]
	}

	if filepath.IsAbs(inPath) {
		return filepath.Clean(inPath)
	}

	p, err := filepath.Abs(inPath)
	if err == nil {
		return filepath.Clean(p)
	}
	return ""
}

func userHomeDir() string {
	if runtime.GOOS == "windows" {
		home := os.Getenv("HOMEDRIVE") + os.Getenv("HOMEPATH")
		if home == "" {
			home = os.Getenv("USERPROFILE")
		}
		return home
	}
	return os.Getenv("HOME")
}
