package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/normanking/miniphi/internal/adaptive"
	"github.com/normanking/miniphi/internal/llm"
	"github.com/normanking/miniphi/internal/logging"
)

// sender is the chat surface shared by the plain and the routed client.
type sender interface {
	Send(ctx context.Context, prompt string, opts llm.SendOptions) (string, error)
}

type chatFlags struct {
	model         string
	adaptive      bool
	transport     string
	schemaID      string
	mode          string
	render        bool
	showReasoning bool
}

func chatCmd() *cobra.Command {
	var f chatFlags
	cmd := &cobra.Command{
		Use:   "chat [prompt]",
		Short: "Send a prompt, or start an interactive session when none is given",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runChat(cmd, args, f)
		},
	}
	cmd.Flags().StringVarP(&f.model, "model", "m", "", "model key or alias (default from config)")
	cmd.Flags().BoolVar(&f.adaptive, "adaptive", false, "route prompts across the configured models")
	cmd.Flags().StringVar(&f.transport, "transport", "", "force a transport: ws or rest")
	cmd.Flags().StringVar(&f.schemaID, "schema", "", "validate answers against <id>.schema.json")
	cmd.Flags().StringVar(&f.mode, "mode", "", "task mode recorded in the routing state")
	cmd.Flags().BoolVar(&f.render, "render", false, "render the finished answer as markdown")
	cmd.Flags().BoolVar(&f.showReasoning, "reasoning", false, "print reasoning blocks to stderr")
	return cmd
}

func runChat(cmd *cobra.Command, args []string, f chatFlags) error {
	ctx, stop := signalContext()
	defer stop()

	a, err := newApp(cfg, f.transport, cfg.Metrics.Enabled)
	if err != nil {
		return err
	}
	defer func() {
		if err := a.Close(); err != nil {
			log.Warn().Err(err).Msg("shutdown incomplete")
		}
	}()
	if cfg.Metrics.Enabled {
		serveMetrics(ctx, cfg.Metrics.Addr)
	}

	var (
		s      sender
		routed *adaptive.Client
		plain  *llm.Client
	)
	if f.adaptive || cfg.Router.Enabled {
		routed, err = a.newAdaptive(ctx)
		if err != nil {
			return err
		}
		defer func() {
			ejectCtx, cancel := logging.DetachContextWithTimeout(ctx, 10*time.Second)
			defer cancel()
			if err := routed.Eject(ejectCtx); err != nil {
				log.Warn().Err(err).Msg("router eject failed")
			}
		}()
		s = routed
	} else {
		model := f.model
		if model == "" {
			model = cfg.Chat.Model
		}
		plain = a.newClient(model)
		s = plain
	}

	out := cmd.OutOrStdout()
	errOut := cmd.ErrOrStderr()
	ask := func(prompt string) error {
		opts := sendOptions(out, errOut, f)
		text, err := s.Send(ctx, prompt, opts)
		if err != nil {
			return err
		}
		if f.render {
			fmt.Fprint(out, renderMarkdown(text))
		} else {
			fmt.Fprintln(out)
		}
		if routed != nil {
			printOutcome(errOut, routed.ConsumeLastOutcomeSummary())
		}
		if plain != nil && plain.ProtocolGated() {
			warning, _ := plain.ProtocolWarning()
			fmt.Fprintln(errOut, warnStyle.Render("streaming disabled: "+warning))
		}
		return nil
	}

	if len(args) > 0 {
		return ask(strings.Join(args, " "))
	}
	return interactive(ctx, os.Stdin, errOut, ask)
}

// sendOptions wires streaming callbacks and trace metadata for one call.
func sendOptions(out, errOut io.Writer, f chatFlags) llm.SendOptions {
	trace := &llm.TraceContext{
		Scope:    "cli",
		Label:    "chat",
		SchemaID: f.schemaID,
	}
	if f.mode != "" {
		trace.Metadata = map[string]any{"mode": f.mode}
	}
	opts := llm.SendOptions{Trace: trace}
	if !f.render {
		opts.OnToken = func(token string) { fmt.Fprint(out, token) }
	}
	if f.showReasoning {
		opts.OnReasoning = func(block string) { printReasoning(errOut, block) }
	}
	return opts
}

// interactive reads prompts line by line until EOF, "exit" or cancellation.
// A failed prompt is reported and the session continues.
func interactive(ctx context.Context, in io.Reader, errOut io.Writer, ask func(string) error) error {
	fmt.Fprintln(errOut, headerStyle.Render("miniphi interactive session (exit or Ctrl-D to quit)"))
	scanner := bufio.NewScanner(in)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for {
		fmt.Fprint(errOut, labelStyle.Render("> "))
		if !scanner.Scan() {
			fmt.Fprintln(errOut)
			return scanner.Err()
		}
		line := strings.TrimSpace(scanner.Text())
		switch line {
		case "":
			continue
		case "exit", "quit":
			return nil
		}
		if err := ask(line); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			fmt.Fprintln(errOut, errorStyle.Render(err.Error()))
		}
	}
}
