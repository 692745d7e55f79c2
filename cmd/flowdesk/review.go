package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"github.com/serviceflow/flowdesk/internal/config"
	"github.com/serviceflow/flowdesk/internal/records"
	"github.com/serviceflow/flowdesk/internal/review"
)

var reviewCmd = &cobra.Command{
	Use:   "review",
	Short: "Review pending drafts interactively",
	Long: `Review pending drafts interactively. The queue refreshes in the
background without losing edits you have not submitted yet.

Commands:
  list               show the queue
  show N             show draft N in full
  edit N <text>      replace the text of draft N
  approve N          approve draft N with its current text
  reject N           reject draft N
  refresh            poll the server now
  quit               leave`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load()
		if err != nil {
			return err
		}
		interval, err := cfg.PollInterval()
		if err != nil {
			return err
		}
		client, err := newAPIClient()
		if err != nil {
			return err
		}
		sink, closeSink, err := buildSink(cfg)
		if err != nil {
			return err
		}
		defer closeSink()

		ctx, cancel := context.WithCancel(cmd.Context())
		defer cancel()

		desk := review.NewDesk(client, nil)
		defer desk.Close()
		syncer := review.NewSynchronizer(client, desk, sink, interval, nil)

		r := newReviewer(desk, syncer, cmd.OutOrStdout())
		if _, err := syncer.PollOnce(ctx); err != nil {
			printWarning("initial refresh failed: %v", err)
		}
		go syncer.Run(ctx)

		return r.run(ctx, os.Stdin)
	},
}

type reviewer struct {
	desk   *review.Desk
	syncer *review.Synchronizer
	out    io.Writer
}

// newReviewer wires conflict reporting so edits lost to a background poll
// are announced the same way as on a manual refresh.
func newReviewer(desk *review.Desk, syncer *review.Synchronizer, out io.Writer) *reviewer {
	r := &reviewer{desk: desk, syncer: syncer, out: out}
	syncer.OnConflict(r.conflicted)
	return r
}

func (r *reviewer) run(ctx context.Context, in io.Reader) error {
	r.list()
	scanner := bufio.NewScanner(in)
	for {
		fmt.Fprint(r.out, "review> ")
		if !scanner.Scan() {
			fmt.Fprintln(r.out)
			return scanner.Err()
		}
		if quit := r.exec(ctx, scanner.Text()); quit {
			return nil
		}
	}
}

// exec runs one command line and reports whether the loop should end.
func (r *reviewer) exec(ctx context.Context, line string) bool {
	verb, rest, _ := strings.Cut(strings.TrimSpace(line), " ")
	switch verb {
	case "":
		return false
	case "quit", "exit", "q":
		return true
	case "list", "ls":
		r.list()
	case "refresh":
		r.refresh(ctx)
	case "show", "edit", "approve", "reject":
		r.onEntry(ctx, verb, rest)
	default:
		printError("unknown command %q (list, show, edit, approve, reject, refresh, quit)", verb)
	}
	return false
}

func (r *reviewer) onEntry(ctx context.Context, verb, rest string) {
	numStr, text, _ := strings.Cut(strings.TrimSpace(rest), " ")
	s, ok := r.pick(numStr)
	if !ok {
		return
	}
	id := s.Entry.ID

	switch verb {
	case "show":
		writeEntryDetail(r.out, s.Entry)
		if s.Edited {
			fmt.Fprintf(r.out, "\n%s\n%s\n", colorize(colorBold, "Your edit:"), s.Draft)
		}
	case "edit":
		if err := r.desk.Edit(id, text); err != nil {
			r.report(id, err)
			return
		}
		printSuccess("Draft %s updated locally; approve to send it", numStr)
	case "approve":
		if err := r.desk.Approve(ctx, id); err != nil {
			r.report(id, err)
			return
		}
		printSuccess("Approved %s", id)
	case "reject":
		if err := r.desk.Reject(ctx, id); err != nil {
			r.report(id, err)
			return
		}
		printSuccess("Rejected %s", id)
	}
}

func (r *reviewer) pick(numStr string) (review.Session, bool) {
	n, err := strconv.Atoi(numStr)
	sessions := r.desk.Sessions()
	if err != nil || n < 1 || n > len(sessions) {
		printError("no draft %q; run list to see numbers", numStr)
		return review.Session{}, false
	}
	return sessions[n-1], true
}

func (r *reviewer) report(id string, err error) {
	var ve *records.ValidationError
	switch {
	case errors.Is(err, records.ErrStaleEntry), errors.Is(err, records.ErrNotFound):
		printWarning("%s was already decided elsewhere; it has been removed from your queue", id)
	case errors.As(err, &ve):
		printError("%v", ve)
	case errors.Is(err, review.ErrBusy):
		printWarning("%s is still being submitted", id)
	case records.IsTransient(err):
		printError("could not reach the store (%v); your text is kept, retry when ready", err)
	default:
		printError("%v", err)
	}
}

func (r *reviewer) refresh(ctx context.Context) {
	if _, err := r.syncer.PollOnce(ctx); err != nil {
		printWarning("refresh failed, showing last known queue: %v", err)
		return
	}
	r.list()
}

func (r *reviewer) conflicted(ids []string) {
	for _, id := range ids {
		fmt.Fprintln(r.out, colorize(colorYellow, "⚠ "+id+" was decided elsewhere; your unsaved edit was discarded"))
	}
}

func (r *reviewer) list() {
	sessions := r.desk.Sessions()
	if len(sessions) == 0 {
		printStatus("Review queue", "empty")
		return
	}
	printStatus("Review queue", "%s", r.syncer.Badge())

	rows := make([][]string, len(sessions))
	for i, s := range sessions {
		state := s.State.String()
		switch {
		case s.Edited && s.State == review.StatePending:
			state = "edited"
		case s.Retryable():
			state = "failed, retry"
		}
		rows[i] = []string{
			strconv.Itoa(i + 1),
			truncate(s.Entry.SourceIdentity, 28),
			truncate(s.Entry.SubjectLine, 36),
			truncate(s.Draft, 40),
			state,
		}
	}
	writeTable(r.out, []string{"#", "From", "Subject", "Draft", "State"}, rows,
		[]columnAlignment{alignRight})
}
