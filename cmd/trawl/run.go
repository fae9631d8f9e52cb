package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"golang.org/x/term"

	"github.com/veritylab/trawl/pkg/agent"
	"github.com/veritylab/trawl/pkg/llm"
)

// RunCmd runs one research task without the HTTP server, rendering the
// orchestrator's event stream as a terminal transcript.
type RunCmd struct {
	Task    []string      `arg:"" help:"The research task."`
	Quiet   bool          `short:"q" help:"Print only the final answer."`
	Timeout time.Duration `help:"Abort the task after this long." default:"30m"`
}

func (c *RunCmd) Run(cli *CLI) error {
	task := strings.TrimSpace(strings.Join(c.Task, " "))
	if task == "" {
		return configErrorf("empty task")
	}

	ctx, cancel := context.WithTimeout(context.Background(), c.Timeout)
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		select {
		case <-sigCh:
			slog.Info("Interrupted")
			cancel()
		case <-ctx.Done():
		}
	}()

	cfg, loader, err := loadConfig(ctx, cli.Config)
	if err != nil {
		return err
	}
	if loader != nil {
		defer loader.Close()
	}

	pipeline, err := agent.NewPipeline(cfg)
	if err != nil {
		return configError{err: err}
	}
	defer pipeline.Close()

	r := newRenderer(os.Stdout, c.Quiet)
	sink := agent.NewSink(64)
	var res agent.Result
	done := make(chan struct{})
	go func() {
		defer close(done)
		res = pipeline.Run(ctx, task, sink)
	}()
	for ev := range sink.Events() {
		r.render(ev)
	}
	<-done
	r.finish(res, pipeline.Usage())

	switch res.Outcome {
	case agent.OutcomeSuccess:
		return nil
	case agent.OutcomeMaxTurns:
		// A recovered best-effort answer was already printed.
		if res.FinalText != "" {
			return nil
		}
		return fmt.Errorf("%s", res.ErrorMessage())
	default:
		if res.Err != nil {
			return res.Err
		}
		return fmt.Errorf("%s", res.ErrorMessage())
	}
}

// renderer prints orchestrator events as a live transcript. All output
// goes to one writer; colors only when it is a terminal.
type renderer struct {
	out   io.Writer
	quiet bool
	color bool
	depth int
}

func newRenderer(out *os.File, quiet bool) *renderer {
	return &renderer{
		out:   out,
		quiet: quiet,
		color: term.IsTerminal(int(out.Fd())),
	}
}

func (r *renderer) render(ev agent.Event) {
	if r.quiet {
		return
	}
	switch ev.Kind {
	case agent.EventAgentStarted:
		r.line(r.dim("task: " + clipLine(ev.Text, 120)))
	case agent.EventLLMChunk:
		if text := displayThink(ev.Text); text != "" {
			r.line(r.dim(text))
		}
	case agent.EventToolStarted:
		if strings.HasPrefix(ev.Server, "agent-") {
			return
		}
		r.line(r.cyan(fmt.Sprintf("→ %s/%s %s", ev.Server, ev.Tool, compactArgs(ev.Args))))
	case agent.EventToolSucceeded:
		switch {
		case len(ev.Results) > 0:
			r.line(r.green(fmt.Sprintf("✓ %d results", len(ev.Results))))
		case ev.Page != nil:
			r.line(r.green("✓ " + clipLine(ev.Page.Title, 80)))
		case strings.HasPrefix(ev.Server, "agent-"):
			// Sub-agent completion is rendered by sub_agent_ended.
		default:
			r.line(r.green("✓ done"))
		}
	case agent.EventToolFailed:
		r.line(r.red(fmt.Sprintf("✗ %s (%s)", clipLine(ev.Message, 120), ev.ErrorKind)))
	case agent.EventRollback:
		r.line(r.yellow("↩ turn rolled back (" + ev.Reason + ")"))
	case agent.EventSubAgentStarted:
		r.line(r.cyan(fmt.Sprintf("⤷ %s: %s", ev.Agent, clipLine(ev.Text, 100))))
		r.depth++
	case agent.EventSubAgentEnded:
		if r.depth > 0 {
			r.depth--
		}
		r.line(r.dim(fmt.Sprintf("⤶ %s finished", ev.Agent)))
	case agent.EventFinalizationStarted:
		r.line(r.dim("composing the final answer..."))
	}
}

// finish prints the answer block and the run accounting.
func (r *renderer) finish(res agent.Result, usage llm.Usage) {
	answer := res.FinalAnswer
	if answer == "" {
		answer = agent.StripThinkTags(res.FinalText)
	}

	if r.quiet {
		if answer != "" {
			fmt.Fprintln(r.out, answer)
		} else {
			fmt.Fprintln(r.out, r.red("✗ "+res.ErrorMessage()))
		}
		return
	}

	fmt.Fprintln(r.out)
	if answer != "" {
		fmt.Fprintln(r.out, r.bold(answer))
	} else {
		fmt.Fprintln(r.out, r.red("✗ "+res.ErrorMessage()))
	}
	fmt.Fprintln(r.out, r.dim(fmt.Sprintf("%d turns · %d attempt(s) · %d prompt + %d completion tokens over %d calls",
		res.Turns, res.Attempts, usage.PromptTokens, usage.CompletionTokens, usage.Calls)))
}

func (r *renderer) line(text string) {
	indent := strings.Repeat("  ", r.depth)
	for _, l := range strings.Split(text, "\n") {
		fmt.Fprintln(r.out, indent+l)
	}
}

func (r *renderer) paint(code, text string) string {
	if !r.color {
		return text
	}
	return code + text + "\033[0m"
}

func (r *renderer) dim(s string) string    { return r.paint("\033[2m", s) }
func (r *renderer) bold(s string) string   { return r.paint("\033[1m", s) }
func (r *renderer) cyan(s string) string   { return r.paint("\033[36m", s) }
func (r *renderer) green(s string) string  { return r.paint("\033[32m", s) }
func (r *renderer) yellow(s string) string { return r.paint("\033[33m", s) }
func (r *renderer) red(s string) string    { return r.paint("\033[31m", s) }

// displayThink extracts the narratable part of a model turn: think tags
// stripped, everything from the tool-call syntax onward dropped.
func displayThink(text string) string {
	if i := strings.Index(text, "<use_mcp_tool"); i >= 0 {
		text = text[:i]
	}
	return strings.TrimSpace(agent.StripThinkTags(text))
}

// compactArgs renders tool arguments one line short: the well-known query
// keys by value, anything else as clipped JSON.
func compactArgs(args map[string]any) string {
	if len(args) == 0 {
		return ""
	}
	for _, key := range []string{"q", "query", "url", "subtask"} {
		if v, ok := args[key].(string); ok && v != "" {
			return clipLine(v, 80)
		}
	}
	data, err := json.Marshal(args)
	if err != nil {
		return ""
	}
	return clipLine(string(data), 80)
}

func clipLine(text string, limit int) string {
	text = strings.ReplaceAll(text, "\n", " ")
	runes := []rune(text)
	if len(runes) <= limit {
		return text
	}
	return string(runes[:limit]) + "..."
}
