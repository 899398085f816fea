// Copyright 2025 github.com/ucirello, cirello.io, U. Cirello
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
// http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

/*
Command herd supervises families of OS processes on a single host. A
configuration snapshot (JSON, YAML, or Procfile) declares watchers - named
process groups with a desired replica count - and herd keeps the running
processes converged to the declaration, exposes a JSON control endpoint to
inspect and mutate the state, and publishes lifecycle events.

	herd daemon herd.yaml
	herd list
	herd incr web 2
	herd events web.
*/
package main // import "cirello.io/herd"

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"strings"

	"cirello.io/herd/internal/client"
	"cirello.io/herd/internal/config"
	"cirello.io/herd/internal/consumer"
	"cirello.io/herd/internal/herd"
	"github.com/sirupsen/logrus"
	"github.com/urfave/cli/v2"
)

func main() {
	app := &cli.App{
		Name:        "herd",
		Usage:       "process supervisor and controller",
		HideVersion: true,
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "endpoint",
				Value:   herd.DefaultEndpoint,
				Usage:   "control endpoint of the supervisor",
				EnvVars: []string{"HERD_ENDPOINT"},
			},
		},
		Commands: []*cli.Command{
			daemonCommand(),
			eventsCommand(),
			statsCommand(),
			callCommand("list", "list watchers, or the pids of one watcher", "[name]"),
			callCommand("status", "show watcher status", "[name]"),
			callCommand("start", "start watchers", "[name]"),
			callCommand("stop", "stop watchers", "[name]"),
			callCommand("restart", "restart watchers", "[name]"),
			reloadCommand(),
			callCommand("numprocesses", "show replica counts", "[name]"),
			incrDecrCommand("incr", "add replicas to a watcher"),
			incrDecrCommand("decr", "remove replicas from a watcher"),
			getCommand(),
			setCommand(),
			callCommand("options", "show every option of a watcher", "name"),
			signalCommand(),
			addCommand(),
			rmCommand(),
			quitCommand(),
		},
	}
	if err := app.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, "herd:", err)
		if exitErr, ok := err.(cli.ExitCoder); ok {
			os.Exit(exitErr.ExitCode())
		}
		os.Exit(1)
	}
}

func daemonCommand() *cli.Command {
	return &cli.Command{
		Name:      "daemon",
		Usage:     "run the supervisor with the given configuration snapshot",
		ArgsUsage: "[config-file]",
		Flags: []cli.Flag{
			&cli.BoolFlag{
				Name:  "watch-config",
				Usage: "reload the configuration when the file changes",
			},
			&cli.StringFlag{
				Name:  "loglevel",
				Usage: "override the snapshot's log level",
			},
		},
		Action: func(c *cli.Context) error {
			path := c.Args().First()
			if path == "" {
				path = "Procfile"
			}
			snap, err := config.Load(path)
			if err != nil {
				return cli.Exit(fmt.Sprintf("invalid configuration: %v", err), 2)
			}
			log := logrus.New()
			level := snap.Options.LogLevel
			if c.String("loglevel") != "" {
				level = c.String("loglevel")
			}
			if level != "" {
				parsed, err := logrus.ParseLevel(level)
				if err != nil {
					return cli.Exit(fmt.Sprintf("invalid configuration: %v", err), 2)
				}
				log.SetLevel(parsed)
			}
			arbiter, err := herd.NewArbiter(snap, herd.ArbiterConfig{
				Log:            log,
				ReloadSnapshot: func() (herd.Snapshot, error) { return config.Load(path) },
			})
			if err != nil {
				return cli.Exit(fmt.Sprintf("invalid configuration: %v", err), 2)
			}
			controller, err := herd.NewController(arbiter)
			if err != nil {
				return cli.Exit(fmt.Sprintf("invalid configuration: %v", err), 2)
			}
			arbiter.AddAuxService(controller)
			arbiter.AddAuxService(herd.NewPubsubServer(arbiter))
			if arbiter.GlobalOptions().Statsd {
				arbiter.AddAuxService(herd.NewStatsServer(arbiter))
			}
			if arbiter.GlobalOptions().MulticastEndpoint != "" {
				arbiter.AddAuxService(herd.NewAnnouncer(arbiter))
			}
			if arbiter.GlobalOptions().WebAddr != "" {
				dash := herd.NewDashboard(arbiter)
				arbiter.SetBroadcast(dash.Broadcast)
				arbiter.AddAuxService(dash)
			}
			ctx, cancel := context.WithCancel(context.Background())
			defer cancel()
			if c.Bool("watch-config") {
				go func() {
					err := config.Watch(ctx, path, func() {
						snap, err := config.Load(path)
						if err != nil {
							log.WithError(err).Error("cannot reload configuration")
							return
						}
						if err := arbiter.ApplySnapshot(snap); err != nil {
							log.WithError(err).Error("cannot apply configuration")
						}
					})
					if err != nil && ctx.Err() == nil {
						log.WithError(err).Error("configuration watch failed")
					}
				}()
			}
			if err := arbiter.Run(ctx); err != nil {
				return cli.Exit(err.Error(), 1)
			}
			if arbiter.ForcedShutdown() {
				return cli.Exit("shutdown forced past graceful deadline", 3)
			}
			return nil
		},
	}
}

func call(c *cli.Context, command string, properties map[string]any) error {
	reply, err := client.New(c.String("endpoint")).Call(c.Context, command, properties)
	if reply != nil {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "    ")
		_ = enc.Encode(reply)
	}
	if err != nil {
		return cli.Exit(err.Error(), 1)
	}
	return nil
}

// callCommand covers the commands whose only property is an optional watcher
// name.
func callCommand(name, usage, argsUsage string) *cli.Command {
	return &cli.Command{
		Name:      name,
		Usage:     usage,
		ArgsUsage: argsUsage,
		Action: func(c *cli.Context) error {
			props := map[string]any{}
			if watcher := c.Args().First(); watcher != "" {
				props["name"] = watcher
			}
			return call(c, name, props)
		},
	}
}

func reloadCommand() *cli.Command {
	return &cli.Command{
		Name:      "reload",
		Usage:     "replace the processes of watchers with fresh ones",
		ArgsUsage: "[name]",
		Flags: []cli.Flag{
			&cli.BoolFlag{Name: "graceful", Value: true, Usage: "rotate instead of killing outright"},
			&cli.BoolFlag{Name: "sequential", Usage: "rotate one replica at a time"},
		},
		Action: func(c *cli.Context) error {
			props := map[string]any{
				"graceful":   c.Bool("graceful"),
				"sequential": c.Bool("sequential"),
			}
			if watcher := c.Args().First(); watcher != "" {
				props["name"] = watcher
			}
			return call(c, "reload", props)
		},
	}
}

func incrDecrCommand(name, usage string) *cli.Command {
	return &cli.Command{
		Name:      name,
		Usage:     usage,
		ArgsUsage: "name [nb]",
		Action: func(c *cli.Context) error {
			watcher := c.Args().First()
			if watcher == "" {
				return cli.Exit(name+" requires a watcher name", 1)
			}
			props := map[string]any{"name": watcher}
			if raw := c.Args().Get(1); raw != "" {
				nb, err := strconv.Atoi(raw)
				if err != nil {
					return cli.Exit("invalid replica count: "+raw, 1)
				}
				props["nb"] = nb
			}
			return call(c, name, props)
		},
	}
}

func getCommand() *cli.Command {
	return &cli.Command{
		Name:      "get",
		Usage:     "read options of a watcher",
		ArgsUsage: "name key [key...]",
		Action: func(c *cli.Context) error {
			watcher := c.Args().First()
			if watcher == "" || c.Args().Len() < 2 {
				return cli.Exit("get requires a watcher name and at least one key", 1)
			}
			return call(c, "get", map[string]any{
				"name": watcher,
				"keys": c.Args().Slice()[1:],
			})
		},
	}
}

func setCommand() *cli.Command {
	return &cli.Command{
		Name:      "set",
		Usage:     "change options of a watcher",
		ArgsUsage: "name key=value [key=value...]",
		Action: func(c *cli.Context) error {
			watcher := c.Args().First()
			if watcher == "" || c.Args().Len() < 2 {
				return cli.Exit("set requires a watcher name and at least one key=value", 1)
			}
			options := map[string]any{}
			for _, pair := range c.Args().Slice()[1:] {
				key, value, ok := strings.Cut(pair, "=")
				if !ok {
					return cli.Exit("malformed option: "+pair, 1)
				}
				options[key] = value
			}
			return call(c, "set", map[string]any{
				"name":    watcher,
				"options": options,
			})
		},
	}
}

func signalCommand() *cli.Command {
	return &cli.Command{
		Name:      "signal",
		Usage:     "send a signal to the processes of a watcher",
		ArgsUsage: "name [signal]",
		Flags: []cli.Flag{
			&cli.IntFlag{Name: "pid", Usage: "target a single process instead of all"},
		},
		Action: func(c *cli.Context) error {
			watcher := c.Args().First()
			if watcher == "" {
				return cli.Exit("signal requires a watcher name", 1)
			}
			props := map[string]any{"name": watcher}
			if sig := c.Args().Get(1); sig != "" {
				props["signum"] = sig
			}
			if pid := c.Int("pid"); pid != 0 {
				props["pid"] = pid
			}
			return call(c, "signal", props)
		},
	}
}

func addCommand() *cli.Command {
	return &cli.Command{
		Name:      "add",
		Usage:     "register a new watcher",
		ArgsUsage: "name cmd...",
		Flags: []cli.Flag{
			&cli.BoolFlag{Name: "start", Usage: "start the watcher right away"},
		},
		Action: func(c *cli.Context) error {
			watcher := c.Args().First()
			if watcher == "" || c.Args().Len() < 2 {
				return cli.Exit("add requires a watcher name and a command", 1)
			}
			return call(c, "add", map[string]any{
				"name":  watcher,
				"cmd":   strings.Join(c.Args().Slice()[1:], " "),
				"shell": true,
				"start": c.Bool("start"),
			})
		},
	}
}

func rmCommand() *cli.Command {
	return &cli.Command{
		Name:      "rm",
		Usage:     "stop and forget a watcher",
		ArgsUsage: "name",
		Action: func(c *cli.Context) error {
			watcher := c.Args().First()
			if watcher == "" {
				return cli.Exit("rm requires a watcher name", 1)
			}
			return call(c, "rm", map[string]any{"name": watcher})
		},
	}
}

func quitCommand() *cli.Command {
	return &cli.Command{
		Name:  "quit",
		Usage: "shut the supervisor down",
		Action: func(c *cli.Context) error {
			return call(c, "quit", map[string]any{})
		},
	}
}

func statsCommand() *cli.Command {
	return &cli.Command{
		Name:      "stats",
		Usage:     "show process resource usage",
		ArgsUsage: "[name]",
		Flags: []cli.Flag{
			&cli.BoolFlag{Name: "watch", Usage: "follow the stats endpoint instead of a one-shot query"},
			&cli.StringFlag{
				Name:    "stats-endpoint",
				Value:   herd.DefaultStatsEndpoint,
				Usage:   "stats endpoint of the supervisor",
				EnvVars: []string{"HERD_STATS_ENDPOINT"},
			},
		},
		Action: func(c *cli.Context) error {
			if !c.Bool("watch") {
				props := map[string]any{}
				if watcher := c.Args().First(); watcher != "" {
					props["name"] = watcher
				}
				return call(c, "stats", props)
			}
			var prefixes []string
			if watcher := c.Args().First(); watcher != "" {
				prefixes = append(prefixes, "stat."+watcher)
			}
			return tail(c.Context, c.String("stats-endpoint"), prefixes)
		},
	}
}

func eventsCommand() *cli.Command {
	return &cli.Command{
		Name:      "events",
		Usage:     "follow the lifecycle event stream",
		ArgsUsage: "[topic-prefix...]",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "pubsub-endpoint",
				Value:   herd.DefaultPubsubEndpoint,
				Usage:   "publish endpoint of the supervisor",
				EnvVars: []string{"HERD_PUBSUB_ENDPOINT"},
			},
		},
		Action: func(c *cli.Context) error {
			return tail(c.Context, c.String("pubsub-endpoint"), c.Args().Slice())
		},
	}
}

func tail(ctx context.Context, endpoint string, prefixes []string) error {
	messages, err := consumer.New(endpoint, prefixes...).Subscribe(ctx)
	if err != nil {
		return cli.Exit(err.Error(), 1)
	}
	for msg := range messages {
		raw, err := json.Marshal(msg.Payload)
		if err != nil {
			continue
		}
		fmt.Printf("%v %s\n", msg.Topic, raw)
	}
	return nil
}
