package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/inferloop/ehrprivacy/internal/config"
)

// Flags override the matching settings of the configuration file. Only flags
// given on the command line are applied.
type Flags struct {
	ConfigFile     string
	Host           string
	Port           int
	LogLevel       string
	LogFormat      string
	StorageBackend string
	Version        bool

	set map[string]bool
}

func ParseFlags() *Flags {
	return parseFlags(flag.CommandLine, os.Args[1:])
}

func parseFlags(fs *flag.FlagSet, args []string) *Flags {
	flags := &Flags{set: make(map[string]bool)}

	fs.StringVar(&flags.ConfigFile, "config", "", "Path to configuration file")
	fs.StringVar(&flags.Host, "host", "0.0.0.0", "Server host")
	fs.IntVar(&flags.Port, "port", 8080, "Server port")
	fs.StringVar(&flags.LogLevel, "log-level", "info", "Log level (debug, info, warn, error)")
	fs.StringVar(&flags.LogFormat, "log-format", "text", "Log format (json, text)")
	fs.StringVar(&flags.StorageBackend, "storage", config.BackendMemory, "Budget store (memory, redis, postgres)")
	fs.BoolVar(&flags.Version, "version", false, "Show version information")

	fs.Usage = func() {
		fmt.Fprintf(fs.Output(), "Usage: %s [options]\n", fs.Name())
		fmt.Fprintf(fs.Output(), "\nEHR privacy query service\n\n")
		fmt.Fprintf(fs.Output(), "Options:\n")
		fs.PrintDefaults()
	}

	_ = fs.Parse(args)
	fs.Visit(func(f *flag.Flag) { flags.set[f.Name] = true })

	return flags
}

// Apply copies the explicitly given flags into cfg and revalidates it.
func (f *Flags) Apply(cfg *config.Config) error {
	if f.set["host"] {
		cfg.Server.Host = f.Host
	}
	if f.set["port"] {
		cfg.Server.Port = f.Port
	}
	if f.set["log-level"] {
		cfg.Logging.Level = f.LogLevel
	}
	if f.set["log-format"] {
		cfg.Logging.Format = f.LogFormat
	}
	if f.set["storage"] {
		cfg.Storage.Backend = f.StorageBackend
	}
	return cfg.Validate()
}

func printVersion() {
	info := GetBuildInfo()
	fmt.Printf("Version: %s\n", info.Version)
	fmt.Printf("Git Commit: %s\n", info.GitCommit)
	fmt.Printf("Build Date: %s\n", info.BuildDate)
	fmt.Printf("Go Version: %s\n", info.GoVersion)
	fmt.Printf("Platform: %s\n", info.Platform)
}
