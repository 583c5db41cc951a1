package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"sort"
	"time"

	"github.com/spf13/cobra"

	"github.com/normanking/miniphi/internal/llm"
	"github.com/normanking/miniphi/internal/tracker"
)

const statusTimeout = 5 * time.Second

func statusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show server status, available models and tracked performance",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signalContext()
			defer stop()
			out := cmd.OutOrStdout()

			pref := llm.ResolveTransportPreference(cfg.Backend.Transport, cfg.Backend.PreferREST, os.Getenv)
			fmt.Fprintln(out, headerStyle.Render("Backend"))
			fmt.Fprintf(out, "  rest:      %s\n", llm.NormalizeHTTPURL(cfg.Backend.BaseURL))
			fmt.Fprintf(out, "  stream:    %s\n", llm.NormalizeWSURL(cfg.Backend.WSEndpoint))
			fmt.Fprintf(out, "  transport: %s\n", describeTransport(pref))

			rest := llm.NewRESTClient(llm.RESTConfig{
				BaseURL: cfg.Backend.BaseURL,
				Timeout: statusTimeout,
				APIKey:  cfg.Backend.APIKey,
			})
			printServer(ctx, out, rest)

			if cfg.Tracker.Enabled {
				return printTracker(ctx, out, cfg.Tracker.DBPath)
			}
			return nil
		},
	}
}

func describeTransport(p llm.TransportPreference) string {
	mode := p.Mode
	if mode == "" {
		mode = "auto"
	}
	switch {
	case p.ForceREST:
		mode += " (rest forced)"
	case p.PreferREST:
		mode += " (prefer rest)"
	}
	if p.Reason != "" {
		mode += " via " + p.Reason
	}
	return mode
}

func printServer(ctx context.Context, out io.Writer, rest *llm.RESTClient) {
	fmt.Fprintln(out, headerStyle.Render("Server"))

	status, err := rest.Status(ctx)
	switch {
	case err != nil:
		fmt.Fprintln(out, warnStyle.Render("  status unavailable: "+err.Error()))
	case status.EndpointUnsupported():
		fmt.Fprintln(out, "  status endpoint not supported by this server")
	case status.Error() != "":
		fmt.Fprintln(out, warnStyle.Render("  "+status.Error()))
	default:
		if v := status.Version(); v != "" {
			fmt.Fprintf(out, "  version:   %s\n", v)
		}
		if m := status.Model(); m != "" {
			fmt.Fprintf(out, "  model:     %s\n", m)
		}
		if n := status.ContextLength(); n > 0 {
			fmt.Fprintf(out, "  context:   %d\n", n)
		}
		if g := status.GPU(); g != "" {
			fmt.Fprintf(out, "  gpu:       %s\n", g)
		}
	}

	ids, err := rest.ListModels(ctx)
	if err != nil {
		fmt.Fprintln(out, warnStyle.Render("  model list unavailable: "+err.Error()))
		return
	}
	fmt.Fprintf(out, "  models:    %d available\n", len(ids))
	for _, id := range ids {
		fmt.Fprintf(out, "    - %s\n", id)
	}
}

func printTracker(ctx context.Context, out io.Writer, path string) error {
	t, err := tracker.Open(path)
	if err != nil {
		return fmt.Errorf("open tracker: %w", err)
	}
	defer t.Close()

	stats, err := t.Stats(ctx)
	if err != nil {
		return err
	}
	fmt.Fprintln(out, headerStyle.Render("Performance"))
	printStats(out, stats)

	events, err := t.EventCounts(ctx)
	if err != nil {
		return err
	}
	if len(events) == 0 {
		return nil
	}
	types := make([]string, 0, len(events))
	for typ := range events {
		types = append(types, typ)
	}
	sort.Strings(types)
	fmt.Fprintln(out, headerStyle.Render("Events"))
	for _, typ := range types {
		fmt.Fprintf(out, "  %-20s %d\n", typ, events[typ])
	}
	return nil
}
