// Copyright 2015 - 2017 Ka-Hing Cheung
// Copyright 2015 - 2017 Google Inc. All Rights Reserved.
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

package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/urfave/cli"

	"github.com/valandreev/restcache/core"
	"github.com/valandreev/restcache/core/cfg"
	"github.com/valandreev/restcache/log"
)

var mainLog = log.GetLogger("main")

// withEngine loads the configuration, sets up logging and runs fn with an
// engine that is closed afterwards. SIGINT and SIGTERM cancel ctx.
func withEngine(c *cli.Context, fn func(ctx context.Context, e *core.Engine) error) error {
	flags := cfg.PopulateFlags(c)
	config, err := flags.LoadConfig()
	if err != nil {
		return err
	}
	if err = cfg.InitLoggers(flags); err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	e, err := core.NewEngine(ctx, config)
	if err != nil {
		return err
	}
	defer func() {
		mainLog.E(e.Close(context.Background()))
	}()

	return fn(ctx, e)
}

func main() {
	app := cfg.NewApp()
	app.Commands = commands()

	if err := app.Run(os.Args); err != nil {
		log.Error().Err(err).Msg("restcache failed")
		os.Exit(1)
	}
}
