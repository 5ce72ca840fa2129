package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/urfave/cli"
	"gopkg.in/yaml.v3"

	"github.com/valandreev/restcache/core"
	"github.com/valandreev/restcache/pkg/cache/index"
	"github.com/valandreev/restcache/pkg/network"
	"github.com/valandreev/restcache/pkg/strategy"
)

const prefetchReportWait = 5 * time.Second

func commands() []cli.Command {
	return []cli.Command{
		{
			Name:      "get",
			Usage:     "Retrieve a resource through a retrieval strategy",
			ArgsUsage: "<uri>",
			Flags: []cli.Flag{
				cli.StringFlag{Name: "strategy, s", Value: "cache", Usage: "cache, direct or local"},
				cli.BoolFlag{Name: "immediate", Usage: "Refresh a stale entry before answering"},
				cli.StringFlag{Name: "out, o", Usage: "Write the payload to a file instead of stdout"},
				cli.StringSliceFlag{Name: "header, H", Usage: "Extra request header as Name: value"},
			},
			Action: cmdGet,
		},
		{
			Name:      "prefetch",
			Usage:     "Download every prefetch item that is missing or stale",
			ArgsUsage: "[base-uri...]",
			Action:    cmdPrefetch,
		},
		{
			Name:      "clean",
			Usage:     "Remove expired items that are not marked for prefetch",
			ArgsUsage: "[base-uri...]",
			Action:    cmdClean,
		},
		{
			Name:      "weed",
			Usage:     "Delete files in an index directory the index does not reference",
			ArgsUsage: "<base-uri>",
			Action:    cmdWeed,
		},
		{
			Name:      "kill",
			Usage:     "Delete every cached file and item of an index",
			ArgsUsage: "<base-uri>",
			Action:    cmdKill,
		},
		{
			Name:      "update",
			Usage:     "Apply a prefetch manifest (YAML with a cache list) to an index",
			ArgsUsage: "<base-uri> <manifest>",
			Action:    cmdUpdate,
		},
		{
			Name:  "queue",
			Usage: "Inspect and drain persisted transaction queues",
			Subcommands: []cli.Command{
				{Name: "list", Usage: "List pending operations", ArgsUsage: "<type>", Action: cmdQueueList},
				{Name: "drain", Usage: "Send pending operations now", ArgsUsage: "<type>", Action: cmdQueueDrain},
				{Name: "discard", Usage: "Drop every pending operation", ArgsUsage: "<type>", Action: cmdQueueDiscard},
			},
		},
		{
			Name:  "delta",
			Usage: "Inspect delta ledgers",
			Subcommands: []cli.Command{
				{Name: "list", Usage: "List recorded mutations", ArgsUsage: "<type>", Action: cmdDeltaList},
				{
					Name:      "purge",
					Usage:     "Forget mutations posted at or before a time",
					ArgsUsage: "<type>",
					Flags: []cli.Flag{
						cli.StringFlag{Name: "before", Usage: "RFC3339 cutoff, now when empty"},
					},
					Action: cmdDeltaPurge,
				},
			},
		},
		{
			Name:   "serve",
			Usage:  "Run background maintenance and the status server until interrupted",
			Action: cmdServe,
		},
	}
}

func requireArgs(c *cli.Context, n int) error {
	if len(c.Args()) < n {
		return fmt.Errorf("%s needs %d argument(s): %s", c.Command.Name, n, c.Command.ArgsUsage)
	}
	return nil
}

func cmdGet(c *cli.Context) error {
	if err := requireArgs(c, 1); err != nil {
		return err
	}
	t, err := strategy.ParseType(c.String("strategy"))
	if err != nil {
		return err
	}
	headers, err := parseHeaders(c.StringSlice("header"))
	if err != nil {
		return err
	}

	return withEngine(c, func(ctx context.Context, e *core.Engine) error {
		args := e.Args()
		args.Headers = headers
		if c.Bool("immediate") {
			args = args.WithStaleMethod(network.StaleImmediate)
		}

		resp, err := e.Get(ctx, c.Args().First(), t, args)
		if err != nil {
			return err
		}
		data := resp.Data()
		mainLog.Info().
			Int("status", resp.Status()).
			Str("file", resp.FileName()).
			Time("downloaded", data.Downloaded).
			Time("expiration", resp.Expiration()).
			Bool("stale", data.IsStale).
			Msg("Retrieved " + resp.URI())

		// Let a deferred refresh finish before the engine closes.
		e.Idle().Drain(ctx)

		var out io.Writer = os.Stdout
		if path := c.String("out"); path != "" {
			f, err := os.Create(path)
			if err != nil {
				return err
			}
			defer f.Close()
			out = f
		}
		_, err = out.Write(resp.Bytes())
		return err
	})
}

func parseHeaders(values []string) (map[string]string, error) {
	if len(values) == 0 {
		return nil, nil
	}
	out := make(map[string]string, len(values))
	for _, v := range values {
		name, value, ok := strings.Cut(v, ":")
		if !ok || strings.TrimSpace(name) == "" {
			return nil, fmt.Errorf("invalid header %q, expected Name: value", v)
		}
		out[strings.TrimSpace(name)] = strings.TrimSpace(value)
	}
	return out, nil
}

// openIndexes registers the given base uris; with none, every configured
// index is used.
func openIndexes(ctx context.Context, e *core.Engine, bases []string) ([]*index.Index, error) {
	for _, base := range bases {
		if _, err := e.Registry().Add(ctx, base); err != nil {
			return nil, err
		}
	}
	indexes := e.Registry().Indexes()
	if len(indexes) == 0 {
		return nil, errors.New("no cache index configured; pass a base uri or list indexes in the config")
	}
	return indexes, nil
}

func cmdPrefetch(c *cli.Context) error {
	return withEngine(c, func(ctx context.Context, e *core.Engine) error {
		indexes, err := openIndexes(ctx, e, c.Args())
		if err != nil {
			return err
		}
		if n := e.Registry().PreFetchIndexes(); n == 0 {
			mainLog.Warn().Msg("Prefetch skipped")
			return nil
		}
		e.Idle().Drain(ctx)

		for _, x := range indexes {
			if !x.PrefetchEnabled() {
				continue
			}
			select {
			case report := <-x.Reports():
				mainLog.Info().Str("index", report.BaseURI).Int("items", len(report.Items)).Msg("Prefetch complete")
			case <-time.After(prefetchReportWait):
				mainLog.Warn().Str("index", x.BaseURI()).Msg("No prefetch report")
			case <-ctx.Done():
				return ctx.Err()
			}
		}
		if !e.Breaker().Enabled() {
			return fmt.Errorf("prefetch stopped: origin unavailable (status %d)", e.Breaker().Snapshot().LastStatus)
		}
		return nil
	})
}

func cmdClean(c *cli.Context) error {
	return withEngine(c, func(ctx context.Context, e *core.Engine) error {
		if _, err := openIndexes(ctx, e, c.Args()); err != nil {
			return err
		}
		e.Registry().CleanIndexes()
		n := e.Idle().Drain(ctx)
		mainLog.Info().Int("tasks", n).Msg("Clean complete")
		return nil
	})
}

func withIndex(c *cli.Context, fn func(ctx context.Context, x *index.Index) error) error {
	if err := requireArgs(c, 1); err != nil {
		return err
	}
	return withEngine(c, func(ctx context.Context, e *core.Engine) error {
		x, err := e.Registry().Get(ctx, c.Args().First())
		if err != nil {
			return err
		}
		return fn(ctx, x)
	})
}

func cmdWeed(c *cli.Context) error {
	return withIndex(c, func(ctx context.Context, x *index.Index) error {
		n, err := x.WeedIndex(ctx)
		if err != nil {
			return err
		}
		mainLog.Info().Str("index", x.BaseURI()).Int("removed", n).Msg("Weed complete")
		return nil
	})
}

func cmdKill(c *cli.Context) error {
	return withIndex(c, func(ctx context.Context, x *index.Index) error {
		return x.KillIndex(ctx)
	})
}

func cmdUpdate(c *cli.Context) error {
	if err := requireArgs(c, 2); err != nil {
		return err
	}
	data, err := os.ReadFile(c.Args().Get(1))
	if err != nil {
		return err
	}
	var manifest index.Manifest
	if err := yaml.Unmarshal(data, &manifest); err != nil {
		return fmt.Errorf("parse manifest: %w", err)
	}
	return withIndex(c, func(ctx context.Context, x *index.Index) error {
		return x.UpdateIndex(ctx, manifest)
	})
}

func cmdQueueList(c *cli.Context) error {
	if err := requireArgs(c, 1); err != nil {
		return err
	}
	return withEngine(c, func(ctx context.Context, e *core.Engine) error {
		q, err := e.RawQueue(ctx, c.Args().First())
		if err != nil {
			return err
		}
		defer q.Close()

		w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "ID\tVERB\tURI\tBYTES")
		for _, op := range q.Items() {
			fmt.Fprintf(w, "%s\t%s\t%s\t%d\n", op.ID, op.Verb, op.TransactionURI(""), len(op.Payload))
		}
		return w.Flush()
	})
}

func cmdQueueDrain(c *cli.Context) error {
	if err := requireArgs(c, 1); err != nil {
		return err
	}
	return withEngine(c, func(ctx context.Context, e *core.Engine) error {
		q, err := e.RawQueue(ctx, c.Args().First())
		if err != nil {
			return err
		}
		defer q.Close()

		report := q.AttemptNext(ctx)
		for _, res := range report.Results {
			mainLog.Info().
				Str("result", res.Kind.String()).
				Str("verb", string(res.Operation.Verb)).
				Str("endpoint", res.Operation.TransactionEndpoint()).
				Int("status", res.Response.StatusCode).
				Msg("Transaction attempted")
		}
		if report.Halted {
			return fmt.Errorf("drain halted with %d operations remaining", report.Remaining)
		}
		return nil
	})
}

func cmdQueueDiscard(c *cli.Context) error {
	if err := requireArgs(c, 1); err != nil {
		return err
	}
	return withEngine(c, func(ctx context.Context, e *core.Engine) error {
		q, err := e.RawQueue(ctx, c.Args().First())
		if err != nil {
			return err
		}
		defer q.Close()
		return q.Discard(ctx)
	})
}

func cmdDeltaList(c *cli.Context) error {
	if err := requireArgs(c, 1); err != nil {
		return err
	}
	return withEngine(c, func(ctx context.Context, e *core.Engine) error {
		ledger, err := e.Ledger(ctx, c.Args().First())
		if err != nil {
			return err
		}
		w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "POSTED\tVERB\tURI")
		for _, r := range ledger.Records() {
			fmt.Fprintf(w, "%s\t%s\t%s\n", r.PostDate.Format(time.RFC3339), r.Verb, r.URI)
		}
		return w.Flush()
	})
}

func cmdDeltaPurge(c *cli.Context) error {
	if err := requireArgs(c, 1); err != nil {
		return err
	}
	cutoff := time.Now()
	if s := c.String("before"); s != "" {
		t, err := time.Parse(time.RFC3339, s)
		if err != nil {
			return fmt.Errorf("parse --before: %w", err)
		}
		cutoff = t
	}
	return withEngine(c, func(ctx context.Context, e *core.Engine) error {
		ledger, err := e.Ledger(ctx, c.Args().First())
		if err != nil {
			return err
		}
		n, err := ledger.PurgeAtOrBefore(ctx, cutoff)
		if err != nil {
			return err
		}
		mainLog.Info().Int("purged", n).Int("remaining", ledger.Len()).Msg("Delta purge complete")
		return nil
	})
}

func cmdServe(c *cli.Context) error {
	return withEngine(c, func(ctx context.Context, e *core.Engine) error {
		mainLog.Info().Str("version", c.App.Version).Msg("Starting restcache")
		err := e.Start(ctx)
		mainLog.Info().Msg("Successfully exiting.")
		return err
	})
}
