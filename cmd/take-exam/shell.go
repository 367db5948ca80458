package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stemsi/exstem-attempt/internal/engine"
	"github.com/stemsi/exstem-attempt/internal/model"
)

var errQuit = errors.New("quit")

// shell maps typed commands onto a session. Page events are simulated by
// dispatching signals on the bus the monitor listens to.
type shell struct {
	sess  *engine.Session
	bus   *engine.SignalBus
	clock clockwork.Clock
	out   io.Writer
}

const help = `Commands:
  show                 print the current question
  next | prev | go N   move between questions
  pick ID              select (or toggle) an option
  text ANSWER...       replace the essay answer
  flag                 toggle the review flag
  signal KIND          simulate a page event (hidden, visible, fullscreen-exit,
                       copy, cut, paste, context-menu)
  status               time left, progress and save state
  violations           local violation log
  submit               submit the attempt
  quit                 leave without submitting`

func (sh *shell) exec(ctx context.Context, line string) error {
	cmd, arg, _ := strings.Cut(strings.TrimSpace(line), " ")
	arg = strings.TrimSpace(arg)

	switch cmd {
	case "", "show":
		return sh.show()
	case "help", "?":
		fmt.Fprintln(sh.out, help)
		return nil
	case "next":
		return sh.move(sh.sess.Next())
	case "prev":
		return sh.move(sh.sess.Prev())
	case "go":
		n, err := strconv.Atoi(arg)
		if err != nil {
			return fmt.Errorf("go: %q is not a question number", arg)
		}
		return sh.move(sh.sess.NavigateTo(n - 1))
	case "pick":
		if arg == "" {
			return errors.New("pick: option ID required")
		}
		q, err := sh.current()
		if err != nil {
			return err
		}
		if _, err := sh.sess.SelectOption(q.ID, strings.ToUpper(arg)); err != nil {
			return err
		}
		return sh.show()
	case "text":
		q, err := sh.current()
		if err != nil {
			return err
		}
		_, err = sh.sess.SetText(q.ID, arg)
		return err
	case "flag":
		q, err := sh.current()
		if err != nil {
			return err
		}
		st, err := sh.sess.ToggleFlag(q.ID)
		if err != nil {
			return err
		}
		fmt.Fprintf(sh.out, "flagged: %t\n", st.Flagged)
		return nil
	case "signal":
		prevented := sh.bus.Dispatch(engine.Signal{Kind: engine.SignalKind(arg), At: sh.clock.Now()})
		if prevented {
			fmt.Fprintln(sh.out, "(blocked)")
		}
		return nil
	case "status":
		sh.status()
		return nil
	case "violations":
		for _, v := range sh.sess.Violations() {
			fmt.Fprintf(sh.out, "%s  %-16s %-6s %s\n",
				v.OccurredAt.Format(time.TimeOnly), v.Kind, v.Severity, v.Description)
		}
		return nil
	case "submit":
		a, err := sh.sess.Submit(ctx)
		if err != nil {
			return err
		}
		fmt.Fprintf(sh.out, "Attempt %s\n", a.Status)
		return nil
	case "quit", "exit":
		return errQuit
	default:
		return fmt.Errorf("unknown command %q, try help", cmd)
	}
}

func (sh *shell) current() (model.Question, error) {
	_, q, _, err := sh.sess.Current()
	return q, err
}

func (sh *shell) move(err error) error {
	if err != nil {
		return err
	}
	return sh.show()
}

func (sh *shell) show() error {
	i, q, a, err := sh.sess.Current()
	if err != nil {
		return err
	}
	_, _, total := sh.sess.Progress()
	flag := ""
	if a.Flagged {
		flag = " [flagged]"
	}
	fmt.Fprintf(sh.out, "\nQuestion %d/%d (%s, %g marks)%s\n%s\n", i+1, total, q.Type, q.Marks, flag, q.Text)
	if q.Type.IsChoice() {
		for _, o := range q.Options {
			mark := " "
			for _, sel := range a.SelectedOptions {
				if sel == o.ID {
					mark = "x"
				}
			}
			fmt.Fprintf(sh.out, "  [%s] %s. %s\n", mark, o.ID, o.Text)
		}
		return nil
	}
	if a.AnswerText != "" {
		fmt.Fprintf(sh.out, "  > %s\n", a.AnswerText)
	}
	return nil
}

func (sh *shell) status() {
	answered, flagged, total := sh.sess.Progress()
	fmt.Fprintf(sh.out, "%s left | %d/%d answered | %d flagged | %s | tab switches: %d\n",
		formatRemaining(sh.sess.Remaining()), answered, total, flagged,
		sh.sess.SaveStatus(), sh.sess.TabSwitches())
}

func formatRemaining(d time.Duration) string {
	secs := model.RemainingSeconds(d)
	return fmt.Sprintf("%02d:%02d", secs/60, secs%60)
}

func printSummary(w io.Writer, sum *model.AttemptSummary) {
	fmt.Fprintf(w, "\n=== %s ===\n", sum.Exam.Title)
	fmt.Fprintf(w, "Status:         %s\n", sum.Attempt.Status)
	fmt.Fprintf(w, "Answered:       %d/%d\n", sum.Answered, sum.TotalQuestions)
	fmt.Fprintf(w, "Correct:        %d\n", sum.Correct)
	fmt.Fprintf(w, "Incorrect:      %d\n", sum.Incorrect)
	fmt.Fprintf(w, "Pending review: %d\n", sum.PendingReview)
	fmt.Fprintf(w, "Score:          %g\n", sum.Score)
}
