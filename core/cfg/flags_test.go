package cfg

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/urfave/cli"
)

func runWithFlags(t *testing.T, args ...string) *FlagStorage {
	t.Helper()
	var flags *FlagStorage
	app := NewApp()
	app.Commands = []cli.Command{{
		Name: "probe",
		Subcommands: []cli.Command{{
			Name: "deep",
			Action: func(c *cli.Context) error {
				flags = PopulateFlags(c)
				return nil
			},
		}},
	}}
	if err := app.Run(append([]string{"restcache"}, args...)); err != nil {
		t.Fatalf("run: %v", err)
	}
	if flags == nil {
		t.Fatalf("action did not run")
	}
	return flags
}

func TestPopulateFlagsFromNestedCommand(t *testing.T) {
	flags := runWithFlags(t, "--config", "/tmp/x.yaml", "--log-level", "debug", "--no-log-color", "probe", "deep")
	if flags.ConfigFile != "/tmp/x.yaml" {
		t.Fatalf("config file = %q", flags.ConfigFile)
	}
	if flags.LogLevel != "debug" || !flags.NoLogColor {
		t.Fatalf("log flags not populated: %+v", flags)
	}
}

func TestLoadConfigMissingFileUsesDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	flags := &FlagStorage{
		ConfigFile: path,
		CacheDir:   filepath.Join(dir, "cache"),
		SessionDir: filepath.Join(dir, "session"),
		StatusAddr: "127.0.0.1:0",
	}

	config, err := flags.LoadConfig()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if _, err := os.Stat(path); err != nil {
		t.Fatalf("template not written: %v", err)
	}
	if config.CacheDir != flags.CacheDir || config.SessionDir != flags.SessionDir {
		t.Fatalf("dir overrides not applied: %+v", config)
	}
	if config.StatusAddr != "127.0.0.1:0" {
		t.Fatalf("status addr = %q", config.StatusAddr)
	}
}

func TestLoadConfigMergesLogSettings(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	data := "version: 1\ncache_dir: " + filepath.Join(dir, "c") + "\nlog:\n  level: warn\n  format: json\n  file: " +
		filepath.Join(dir, "restcache.log") + "\n  max_size_mb: 10\n"
	if err := os.WriteFile(path, []byte(data), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}

	flags := &FlagStorage{ConfigFile: path, LogLevel: "error"}
	config, err := flags.LoadConfig()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if config.CacheDir != filepath.Join(dir, "c") {
		t.Fatalf("cache dir = %q", config.CacheDir)
	}
	if flags.LogLevel != "error" {
		t.Fatalf("flag level should win, got %q", flags.LogLevel)
	}
	if flags.LogFormat != "json" || flags.LogFile != filepath.Join(dir, "restcache.log") {
		t.Fatalf("file log settings not merged: %+v", flags)
	}
	if flags.LogRotate.MaxSizeMB != 10 {
		t.Fatalf("rotation = %+v", flags.LogRotate)
	}
}
