package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sort"

	"github.com/spf13/cobra"

	"github.com/normanking/miniphi/internal/adaptive"
	"github.com/normanking/miniphi/internal/bandit"
	"github.com/normanking/miniphi/internal/routerstore"
)

func routerCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "router",
		Short: "Inspect or reset the learned routing table",
	}
	cmd.AddCommand(routerShowCmd())
	cmd.AddCommand(routerResetCmd())
	return cmd
}

func routerShowCmd() *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "show",
		Short: "Print the stored routing state",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signalContext()
			defer stop()

			store, err := openRouterStore(ctx)
			if err != nil {
				return err
			}
			defer store.Close()

			state, err := store.Load(ctx)
			if errors.Is(err, routerstore.ErrStateNotFound) {
				fmt.Fprintln(cmd.OutOrStdout(), "no routing state saved yet")
				return nil
			}
			if err != nil {
				return fmt.Errorf("load router state: %w", err)
			}
			printRouterState(cmd.OutOrStdout(), state, limit)
			return nil
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 20, "maximum number of states to list (0 for all)")
	return cmd
}

func routerResetCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "reset",
		Short: "Replace the stored routing state with an empty table",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signalContext()
			defer stop()

			store, err := openRouterStore(ctx)
			if err != nil {
				return err
			}
			defer store.Close()

			// A client without a store starts from an empty table.
			fresh, err := adaptive.New(ctx, adaptiveConfig(cfg), nil)
			if err != nil {
				return err
			}
			state := fresh.Router().Snapshot()
			if err := store.Save(ctx, state); err != nil {
				return fmt.Errorf("save router state: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "router state reset: %d actions, epsilon %.3f\n",
				len(state.ActionKeys), state.Epsilon)
			return nil
		},
	}
}

// openRouterStore opens the configured backend, rejecting "none".
func openRouterStore(ctx context.Context) (routerstore.Store, error) {
	r := cfg.Router
	store, err := routerstore.Open(ctx, routerstore.Options{
		Kind:       r.Store,
		Path:       r.StatePath,
		SQLitePath: r.SQLitePath,
		RedisAddr:  r.RedisAddr,
		RedisKey:   r.RedisKey,
	})
	if err != nil {
		return nil, fmt.Errorf("open router store: %w", err)
	}
	if store == nil {
		return nil, fmt.Errorf("router.store is %q; nothing is persisted", routerstore.KindNone)
	}
	return store, nil
}

// printRouterState lists parameters and the greedy action of each state.
func printRouterState(w io.Writer, s *bandit.State, limit int) {
	fmt.Fprintln(w, headerStyle.Render("Router"))
	fmt.Fprintf(w, "  epsilon:  %.4f (min %.3f, decay %.4f)\n", s.Epsilon, s.EpsilonMin, s.EpsilonDecay)
	fmt.Fprintf(w, "  alpha:    %.3f  gamma: %.3f\n", s.Alpha, s.Gamma)
	fmt.Fprintf(w, "  actions:  %d\n", len(s.ActionKeys))
	for _, a := range s.ActionKeys {
		fmt.Fprintf(w, "    - %s\n", a)
	}
	fmt.Fprintf(w, "  states:   %d\n", len(s.Q))

	keys := make([]string, 0, len(s.Q))
	for k := range s.Q {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	if limit > 0 && len(keys) > limit {
		keys = keys[:limit]
	}
	for _, k := range keys {
		action, value := bestAction(s.Q[k], s.ActionKeys)
		fmt.Fprintf(w, "  %s\n    -> %s (%.3f)\n", labelStyle.Render(k), action, value)
	}
}

// bestAction returns the highest valued configured action in row. Ties keep
// the configured order.
func bestAction(row map[string]float64, actions []string) (string, float64) {
	best, bestVal := "", 0.0
	for _, a := range actions {
		v, ok := row[a]
		if !ok {
			continue
		}
		if best == "" || v > bestVal {
			best, bestVal = a, v
		}
	}
	if best == "" {
		return "(none)", 0
	}
	return best, bestVal
}
