package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"

	"github.com/migadu/xoauth2-proxy/config"
)

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	ctx := context.Background()
	var err error
	switch command := os.Args[1]; command {
	case "migrate":
		err = runMigrate(os.Args[2:], os.Stdout)
	case "tokens":
		err = runTokens(ctx, os.Args[2:], os.Stdout)
	case "help", "--help", "-h":
		printUsage()
	default:
		fmt.Printf("Unknown command: %s\n\n", command)
		printUsage()
		os.Exit(1)
	}
	if err != nil {
		log.Fatalf("Error: %v", err)
	}
}

func printUsage() {
	fmt.Printf(`xoauth2-proxy Admin Tool

Usage:
  xoauth2-proxy-admin <command> <subcommand> [options]

Commands:
  migrate   Manage the token store schema (up, version)
  tokens    Manage user tokens (add, list, show, delete, password, token)
  help      Show this help message

Examples:
  xoauth2-proxy-admin migrate up --config /etc/xoauth2-proxy/config.toml
  xoauth2-proxy-admin tokens add --email user@example.com --password secret --token ya29.a0...
  xoauth2-proxy-admin tokens list

Use 'xoauth2-proxy-admin <command> --help' for more information about a command.
`)
}

// loadConfig reads the database section of the proxy configuration. A
// missing default file falls back to the built-in defaults.
func loadConfig(fs *flag.FlagSet, configPath, dbPath string) (config.Config, error) {
	cfg := config.NewDefaultConfig()
	if err := config.LoadConfigFromFile(configPath, &cfg); err != nil {
		if !os.IsNotExist(err) || isFlagSet(fs, "config") {
			return cfg, fmt.Errorf("failed to load configuration file '%s': %w", configPath, err)
		}
	}
	if dbPath != "" {
		cfg.Database.Path = dbPath
	}
	return cfg, nil
}

// addConfigFlags registers the flags every subcommand accepts.
func addConfigFlags(fs *flag.FlagSet) (configPath, dbPath *string) {
	configPath = fs.String("config", "config.toml", "Path to TOML configuration file")
	dbPath = fs.String("db", "", "Path to the SQLite token store (overrides config)")
	return configPath, dbPath
}

// isFlagSet checks if a flag was explicitly set on the command line
func isFlagSet(fs *flag.FlagSet, name string) bool {
	isSet := false
	fs.Visit(func(f *flag.Flag) {
		if f.Name == name {
			isSet = true
		}
	})
	return isSet
}
