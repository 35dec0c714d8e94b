// ABOUTME: list, stop, events, and status commands that talk to a running broker
// ABOUTME: None of them start a broker; with no broker there is nothing to show or stop

package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"text/tabwriter"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/2389/opencode-web/internal/client"
	"github.com/2389/opencode-web/internal/registry"
	"github.com/2389/opencode-web/internal/store"
)

func listCmd() *cobra.Command {
	var all, asJSON bool

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List running instances",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			c, ok, err := connectBroker(ctx)
			if err != nil {
				return err
			}

			var instances []registry.Instance
			if ok {
				if all {
					res, err := c.Instances(ctx)
					if err != nil {
						return err
					}
					instances = res.Instances
				} else if instances, err = c.Online(ctx); err != nil {
					return err
				}
			}

			if asJSON {
				if instances == nil {
					instances = []registry.Instance{}
				}
				enc := json.NewEncoder(os.Stdout)
				enc.SetIndent("", "  ")
				return enc.Encode(instances)
			}

			if !ok {
				fmt.Println("No broker running.")
				return nil
			}
			printInstances(os.Stdout, instances, all, time.Now())
			return nil
		},
	}

	cmd.Flags().BoolVar(&all, "all", false, "Include offline instances")
	cmd.Flags().BoolVar(&asJSON, "json", false, "JSON output for scripting")
	return cmd
}

// printInstances writes the instance table. IDs are positions in the list and
// are what "stop <id>" accepts.
func printInstances(w io.Writer, instances []registry.Instance, showStatus bool, now time.Time) {
	if len(instances) == 0 {
		fmt.Fprintln(w, "No instances running.")
		return
	}

	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	if showStatus {
		fmt.Fprintln(tw, "ID\tCWD\tPORT\tSTATUS\tLAST SEEN")
	} else {
		fmt.Fprintln(tw, "ID\tCWD\tPORT")
	}
	for i, inst := range instances {
		if showStatus {
			status := color.GreenString(string(inst.Status))
			if inst.Status != registry.StatusOnline {
				status = color.HiBlackString(string(inst.Status))
			}
			fmt.Fprintf(tw, "%d\t%s\t%d\t%s\t%s\n", i, inst.CWD, inst.Port, status, sinceString(now, inst.LastSeen))
		} else {
			fmt.Fprintf(tw, "%d\t%s\t%d\n", i, inst.CWD, inst.Port)
		}
	}
	_ = tw.Flush()
}

func sinceString(now, t time.Time) string {
	if t.IsZero() {
		return "never"
	}
	return now.Sub(t).Truncate(time.Second).String() + " ago"
}

func stopCmd() *cobra.Command {
	var all bool

	cmd := &cobra.Command{
		Use:   "stop [target]",
		Short: "Stop an instance by current dir, id, or path",
		Long: `Stop an instance.

With no target the instance for the current directory is stopped. A number
stops the instance with that ID in "opencode-web list"; anything else is
treated as a path. --all stops every running instance.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			c, ok, err := connectBroker(ctx)
			if err != nil {
				return err
			}
			if !ok {
				fmt.Println("No instances running.")
				return nil
			}

			online, err := c.Online(ctx)
			if err != nil {
				return err
			}

			target := ""
			if len(args) == 1 {
				target = args[0]
			}
			targets, err := resolveStopTargets(target, all, online)
			if err != nil {
				return err
			}
			if len(targets) == 0 {
				fmt.Println("No instances running.")
				return nil
			}
			return stopAll(ctx, c, targets)
		},
	}

	cmd.Flags().BoolVarP(&all, "all", "a", false, "Stop all instances")
	return cmd
}

// resolveStopTargets maps the stop argument onto project directories.
func resolveStopTargets(target string, all bool, online []registry.Instance) ([]string, error) {
	if all || target == "-all" {
		cwds := make([]string, 0, len(online))
		for _, inst := range online {
			cwds = append(cwds, inst.CWD)
		}
		return cwds, nil
	}

	if target == "" {
		dir, err := os.Getwd()
		if err != nil {
			return nil, fmt.Errorf("getting current directory: %w", err)
		}
		return []string{dir}, nil
	}

	if id, err := strconv.Atoi(target); err == nil {
		if id < 0 || id >= len(online) {
			return nil, fmt.Errorf("no instance with id %d", id)
		}
		return []string{online[id].CWD}, nil
	}

	dir, err := resolveStopPath(target)
	if err != nil {
		return nil, err
	}
	return []string{dir}, nil
}

// resolveStopPath makes a stop target absolute. Unlike start paths it need
// not exist: an instance outlives a deleted or renamed project directory.
func resolveStopPath(path string) (string, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return "", fmt.Errorf("resolving %s: %w", path, err)
	}
	if info, err := os.Stat(abs); err == nil && !info.IsDir() {
		abs = filepath.Dir(abs)
	}
	return abs, nil
}

// stopAll stops every target concurrently and reports each result.
func stopAll(ctx context.Context, c *client.Client, cwds []string) error {
	g, ctx := errgroup.WithContext(ctx)
	results := make([]error, len(cwds))

	for i, cwd := range cwds {
		g.Go(func() error {
			_, err := c.Stop(ctx, cwd)
			results[i] = err
			return nil
		})
	}
	_ = g.Wait()

	var failed error
	for i, cwd := range cwds {
		switch err := results[i]; {
		case err == nil:
			color.Green("Stopped %s", cwd)
		case errors.Is(err, client.ErrNotFound):
			color.Yellow("No instance for %s", cwd)
			failed = errors.Join(failed, fmt.Errorf("no instance for %s", cwd))
		default:
			color.Red("Failed to stop %s: %v", cwd, err)
			failed = errors.Join(failed, fmt.Errorf("stopping %s: %w", cwd, err))
		}
	}
	return failed
}

func eventsCmd() *cobra.Command {
	var limit int
	var asJSON bool

	cmd := &cobra.Command{
		Use:   "events",
		Short: "Show recent instance lifecycle events",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			c, ok, err := connectBroker(ctx)
			if err != nil {
				return err
			}
			if !ok {
				fmt.Println("No broker running.")
				return nil
			}

			evts, err := c.Events(ctx, limit)
			if err != nil {
				return err
			}

			if asJSON {
				enc := json.NewEncoder(os.Stdout)
				enc.SetIndent("", "  ")
				return enc.Encode(evts)
			}
			printEvents(os.Stdout, evts)
			return nil
		},
	}

	cmd.Flags().IntVar(&limit, "limit", 20, "Maximum number of events")
	cmd.Flags().BoolVar(&asJSON, "json", false, "JSON output for scripting")
	return cmd
}

func printEvents(w io.Writer, evts []store.Event) {
	if len(evts) == 0 {
		fmt.Fprintln(w, "No events recorded.")
		return
	}

	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "TIME\tEVENT\tPORT\tCWD")
	for _, e := range evts {
		port := "-"
		if e.Port != 0 {
			port = strconv.Itoa(e.Port)
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", e.Timestamp.Local().Format("2006-01-02 15:04:05"), eventColor(e.Kind), port, e.CWD)
	}
	_ = tw.Flush()
}

func eventColor(kind store.EventKind) string {
	switch kind {
	case store.EventStarted, store.EventRegistered:
		return color.GreenString(string(kind))
	case store.EventStartFailed, store.EventStopFailed:
		return color.RedString(string(kind))
	case store.EventStale:
		return color.YellowString(string(kind))
	default:
		return string(kind)
	}
}

func statusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show broker port and instance counts",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			c, ok, err := connectBroker(ctx)
			if err != nil {
				return err
			}
			if !ok {
				color.Yellow("Broker: not running")
				return nil
			}

			res, err := c.Instances(ctx)
			if err != nil {
				return err
			}

			online := 0
			for _, inst := range res.Instances {
				if inst.Status == registry.StatusOnline {
					online++
				}
			}

			green := color.New(color.FgGreen)
			green.Print("    ▶ ")
			fmt.Printf("Broker:    %s (v%s)\n", c.BaseURL(), res.Version)
			green.Print("    ▶ ")
			fmt.Printf("Instances: %d online, %d known\n", online, len(res.Instances))
			green.Print("    ▶ ")
			fmt.Printf("Status:    %s/status\n", c.BaseURL())
			return nil
		},
	}
}
