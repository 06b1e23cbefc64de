package commands

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/afero"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/aide-ai/aide/internal/chat"
	"github.com/aide-ai/aide/internal/dispatch"
	"github.com/aide-ai/aide/internal/editing"
	"github.com/aide-ai/aide/internal/logging"
	"github.com/aide-ai/aide/internal/viewmodel"
	"github.com/aide-ai/aide/pkg/types"
)

const maxEventLine = 4 << 20

var replayPrompt string

var replayCmd = &cobra.Command{
	Use:   "replay <events.jsonl>",
	Short: "Render a recorded agent event stream",
	Long: `Replay feeds a recorded agent event stream, one JSON event per line,
into a fresh session and prints the rendered conversation.

Edits are applied to an in-memory layer over the working directory, so the
files on disk are never modified.`,
	Args: cobra.ExactArgs(1),
	RunE: runReplay,
}

func init() {
	replayCmd.Flags().StringVar(&replayPrompt, "prompt", "replay", "Request text the events answer")
}

func runReplay(cmd *cobra.Command, args []string) error {
	env, err := bootstrap(false)
	if err != nil {
		return err
	}

	f, err := os.Open(args[0])
	if err != nil {
		return fmt.Errorf("failed to open event log: %w", err)
	}
	defer f.Close()

	fs := afero.NewCopyOnWriteFs(afero.NewReadOnlyFs(afero.NewOsFs()), afero.NewMemMapFs())
	return replay(cmd.Context(), f, cmd.OutOrStdout(), replayOptions{
		Fs:     fs,
		Root:   env.dir,
		Prompt: replayPrompt,
	})
}

type replayOptions struct {
	Fs     afero.Fs
	Root   string
	Prompt string
}

// replay dispatches every decodable line of r into one exchange of a new
// session and writes the rendered result to w. Recorded session and exchange
// ids are rewritten to the new ones.
func replay(ctx context.Context, r io.Reader, w io.Writer, opts replayOptions) error {
	log := logging.Component("replay")

	editSvc := editing.NewService(editing.Options{Fs: opts.Fs, Root: opts.Root})
	defer editSvc.Close()
	d := dispatch.New(dispatch.Options{Editing: editSvc})
	defer d.Close()

	model := chat.NewModel()
	defer model.Dispose()
	sessionID := model.ID()
	ws := editSvc.StartOrContinue(sessionID)

	req := model.AddRequest(types.ParsedRequest{Text: opts.Prompt}, nil, 0)
	resp, ok := model.ResponseFor(req.ID())
	if !ok {
		return fmt.Errorf("response for %s was not created", req.ID())
	}
	exchangeID := req.ID()
	d.Open(model, resp, sessionID, exchangeID)

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	events := make(chan types.AgentEvent)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		defer close(events)
		scanner := bufio.NewScanner(r)
		scanner.Buffer(make([]byte, 0, 64*1024), maxEventLine)
		line := 0
		for scanner.Scan() {
			line++
			text := strings.TrimSpace(scanner.Text())
			if text == "" {
				continue
			}
			ev, err := types.DecodeAgentEvent([]byte(text))
			if err != nil {
				log.Debug().Err(err).Int("line", line).Msg("skipping undecodable event")
				continue
			}
			if ev.SessionID != "" || ev.ExchangeID != "" {
				ev.SessionID, ev.ExchangeID = sessionID, exchangeID
			}
			select {
			case events <- ev:
			case <-gctx.Done():
				return nil
			}
		}
		if err := scanner.Err(); err != nil {
			return fmt.Errorf("failed to read event log at line %d: %w", line, err)
		}
		return nil
	})
	g.Go(func() error {
		// the reader stops once nobody consumes
		defer cancel()
		return d.Run(gctx, events)
	})
	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	d.Finish(sessionID, exchangeID, chat.StageComplete)

	view := viewmodel.New(model, viewmodel.WithEditing(ws))
	defer view.Dispose()
	return render(w, view)
}

func render(w io.Writer, view *viewmodel.SessionViewModel) error {
	var b strings.Builder
	for _, item := range view.Items() {
		switch {
		case item.Request != nil:
			fmt.Fprintf(&b, "## %s\n\n%s\n\n", item.Request.Username, item.Request.Text)
		case item.Response != nil:
			r := item.Response
			fmt.Fprintf(&b, "## %s", r.Username)
			if r.Stage != chat.StageNone {
				fmt.Fprintf(&b, " (%s)", r.Stage)
			}
			b.WriteString("\n\n")
			if r.Markdown != "" {
				b.WriteString(strings.TrimRight(r.Markdown, "\n"))
				b.WriteString("\n\n")
			}
			if r.Error != "" {
				fmt.Fprintf(&b, "Error: %s\n\n", r.Error)
			}
		}
	}
	if sum := view.WorkingSetSummary(); sum != nil && sum.Files > 0 {
		fmt.Fprintf(&b, "%s: %d file(s) changed, +%d -%d\n", sum.Label, sum.Files, sum.Added, sum.Removed)
	}
	_, err := io.WriteString(w, b.String())
	return err
}
