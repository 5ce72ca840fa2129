// Copyright 2024 Tigris Data, Inc.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package cfg

import (
	"errors"
	"fmt"

	"github.com/mitchellh/go-homedir"
	"github.com/urfave/cli"

	"github.com/valandreev/restcache/log"
	"github.com/valandreev/restcache/pkg/cache"
)

// Version is set at build time.
var Version = "dev"

// DefaultConfigFile is used when --config is not given.
const DefaultConfigFile = "~/.restcache/config.yaml"

// FlagStorage holds the global command line flags.
type FlagStorage struct {
	ConfigFile string
	CacheDir   string
	SessionDir string
	StatusAddr string

	LogLevel   string
	LogFormat  string
	LogFile    string
	NoLogColor bool
	LogRotate  log.RotateConfig
}

// NewApp returns the application with its global flags. Commands are
// attached by the caller.
func NewApp() *cli.App {
	app := cli.NewApp()
	app.Name = "restcache"
	app.Version = Version
	app.Usage = "Offline-capable HTTP resource cache and transaction queue"
	app.Flags = []cli.Flag{
		cli.StringFlag{
			Name:   "config, c",
			Value:  DefaultConfigFile,
			Usage:  "YAML configuration file. A template is written when it does not exist.",
			EnvVar: cache.EnvPrefix + "CONFIG",
		},
		cli.StringFlag{
			Name:  "cache-dir",
			Usage: "Override the directory holding cached payloads and index documents.",
		},
		cli.StringFlag{
			Name:  "session-dir",
			Usage: "Override the directory holding queue and ledger documents.",
		},
		cli.StringFlag{
			Name:  "status-addr",
			Usage: "Listen address of the status server started by serve.",
		},
		cli.StringFlag{
			Name:  "log-level",
			Usage: "Log level: trace, debug, info, warn or error. Overrides the config file.",
		},
		cli.StringFlag{
			Name:  "log-format",
			Usage: "Log format: console or json.",
		},
		cli.StringFlag{
			Name:  "log-file",
			Usage: "Redirect logs to a file, \"stderr\" or \"syslog\".",
		},
		cli.BoolFlag{
			Name:  "no-log-color",
			Usage: "Disable colors in console logs.",
		},
	}
	return app
}

// PopulateFlags reads the global flags from c or any of its subcommand
// contexts.
func PopulateFlags(c *cli.Context) *FlagStorage {
	flags := &FlagStorage{
		ConfigFile: c.GlobalString("config"),
		CacheDir:   c.GlobalString("cache-dir"),
		SessionDir: c.GlobalString("session-dir"),
		StatusAddr: c.GlobalString("status-addr"),
		LogLevel:   c.GlobalString("log-level"),
		LogFormat:  c.GlobalString("log-format"),
		LogFile:    c.GlobalString("log-file"),
		NoLogColor: c.GlobalBool("no-log-color"),
	}
	if flags.ConfigFile == "" {
		flags.ConfigFile = DefaultConfigFile
	}
	return flags
}

// LoadConfig loads the configuration file and applies the flag overrides.
// A missing file yields the defaults; the template written in its place is
// reported as a warning.
func (flags *FlagStorage) LoadConfig() (*cache.Config, error) {
	path, err := homedir.Expand(flags.ConfigFile)
	if err != nil {
		return nil, fmt.Errorf("expand config path: %w", err)
	}

	config, err := cache.LoadConfig(path)
	switch {
	case errors.Is(err, cache.ErrConfigMissing):
		log.Warn().Str("path", path).Msg("Config file not found, wrote a template and using defaults")
		config, err = cache.DefaultConfig(flags.CacheDir, flags.SessionDir)
		if err != nil {
			return nil, err
		}
	case err != nil:
		return nil, err
	default:
		log.Debug().Str("path", path).Msg("Loaded config")
	}

	if flags.CacheDir != "" {
		if config.CacheDir, err = homedir.Expand(flags.CacheDir); err != nil {
			return nil, err
		}
	}
	if flags.SessionDir != "" {
		if config.SessionDir, err = homedir.Expand(flags.SessionDir); err != nil {
			return nil, err
		}
	}
	if flags.StatusAddr != "" {
		config.StatusAddr = flags.StatusAddr
	}

	if flags.LogLevel == "" {
		flags.LogLevel = config.Log.Level
	}
	if flags.LogFormat == "" {
		flags.LogFormat = config.Log.Format
	}
	if flags.LogFile == "" && config.Log.File != "" {
		if flags.LogFile, err = homedir.Expand(config.Log.File); err != nil {
			return nil, err
		}
	}
	flags.LogRotate = log.RotateConfig{
		MaxSizeMB:  config.Log.MaxSizeMB,
		MaxBackups: config.Log.MaxBackups,
		Compress:   config.Log.Compress,
	}
	return config, nil
}
