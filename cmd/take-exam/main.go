package main

import (
	"bufio"
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"
	"github.com/stemsi/exstem-attempt/internal/client"
	"github.com/stemsi/exstem-attempt/internal/config"
	"github.com/stemsi/exstem-attempt/internal/engine"
	"github.com/stemsi/exstem-attempt/internal/logger"
	"golang.org/x/term"
)

func main() {
	var (
		examArg    string
		attemptArg string
		entryToken string
	)
	flag.StringVar(&examArg, "exam", "", "Exam ID to start")
	flag.StringVar(&attemptArg, "attempt", "", "Attempt ID to resume")
	flag.StringVar(&entryToken, "entry-token", "", "Exam entry token")
	flag.Parse()

	cfg := config.LoadClient()
	if cfg.BackendToken == "" {
		fmt.Fprintln(os.Stderr, "BACKEND_TOKEN is required (see issue-token)")
		os.Exit(2)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	in, out, restore := openTerminal()
	defer restore()
	log := logger.Setup(cfg.LogLevel, cfg.LogFormat, out)

	if err := run(ctx, cfg, log, in, out, examArg, attemptArg, entryToken); err != nil {
		restore()
		fmt.Fprintln(os.Stderr, "take-exam:", err)
		os.Exit(1)
	}
}

// lineReader is satisfied by term.Terminal and by the bufio fallback.
type lineReader interface {
	ReadLine() (string, error)
}

type scannerReader struct{ *bufio.Scanner }

func (r scannerReader) ReadLine() (string, error) {
	if !r.Scan() {
		if err := r.Err(); err != nil {
			return "", err
		}
		return "", io.EOF
	}
	return r.Text(), nil
}

// openTerminal puts an interactive stdin into raw mode behind a line
// editor. Piped input is read line by line.
func openTerminal() (lineReader, io.Writer, func()) {
	fd := int(os.Stdin.Fd())
	if !term.IsTerminal(fd) {
		return scannerReader{bufio.NewScanner(os.Stdin)}, os.Stdout, func() {}
	}
	state, err := term.MakeRaw(fd)
	if err != nil {
		return scannerReader{bufio.NewScanner(os.Stdin)}, os.Stdout, func() {}
	}
	t := term.NewTerminal(struct {
		io.Reader
		io.Writer
	}{os.Stdin, os.Stdout}, "exam> ")
	if w, h, err := term.GetSize(fd); err == nil {
		_ = t.SetSize(w, h)
	}
	restored := false
	return t, t, func() {
		if !restored {
			restored = true
			_ = term.Restore(fd, state)
		}
	}
}

func run(ctx context.Context, cfg *config.ClientConfig, log zerolog.Logger, in lineReader, out io.Writer, examArg, attemptArg, entryToken string) error {
	cl := client.New(cfg.BackendURL, cfg.BackendToken, client.WithLogger(log))

	attemptID, err := resolveAttempt(ctx, cl, examArg, attemptArg, entryToken)
	if err != nil {
		return err
	}

	var backend engine.Backend = cl
	if cfg.UseStream {
		stream, err := cl.Dial(ctx, attemptID)
		if err != nil {
			return fmt.Errorf("open stream: %w", err)
		}
		defer stream.Close()
		backend = stream
	}

	summary := make(chan uuid.UUID, 1)
	bus := engine.NewSignalBus()
	clock := clockwork.NewRealClock()
	sess, err := engine.Open(ctx, backend, attemptID, engine.Options{
		Clock:          clock,
		Logger:         log,
		DebounceWindow: cfg.DebounceWindow,
		TickInterval:   cfg.TickInterval,
		Navigator: engine.NavigatorFunc(func(id uuid.UUID) {
			select {
			case summary <- id:
			default:
			}
		}),
		Proctoring: &engine.MonitorOptions{
			Target: bus,
			Webcam: cfg.WebcamRequired,
		},
	})
	if err != nil {
		return err
	}
	defer sess.Close()

	sh := &shell{sess: sess, bus: bus, clock: clock, out: out}
	if !sess.ReadOnly() {
		fmt.Fprintln(out, "Type help for commands.")
		sh.status()
		_ = sh.show()
	}

	lines := make(chan string)
	readErr := make(chan error, 1)
	go func() {
		for {
			line, err := in.ReadLine()
			if err != nil {
				readErr <- err
				return
			}
			lines <- line
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case id := <-summary:
			sum, err := engine.Reconcile(ctx, cl, id)
			if err != nil {
				return fmt.Errorf("load summary: %w", err)
			}
			printSummary(out, sum)
			return nil
		case err := <-readErr:
			if errors.Is(err, io.EOF) {
				return nil
			}
			return err
		case line := <-lines:
			err := sh.exec(ctx, line)
			if errors.Is(err, errQuit) {
				return nil
			}
			if err != nil {
				fmt.Fprintln(out, "error:", err)
			}
		}
	}
}

func resolveAttempt(ctx context.Context, cl *client.Client, examArg, attemptArg, entryToken string) (uuid.UUID, error) {
	if attemptArg != "" {
		id, err := uuid.Parse(attemptArg)
		if err != nil {
			return uuid.Nil, fmt.Errorf("invalid -attempt: %w", err)
		}
		return id, nil
	}
	examID, err := uuid.Parse(examArg)
	if err != nil {
		return uuid.Nil, fmt.Errorf("-exam or -attempt is required: %w", err)
	}
	a, err := cl.StartAttempt(ctx, examID, entryToken)
	if err != nil {
		return uuid.Nil, fmt.Errorf("start attempt: %w", err)
	}
	return a.ID, nil
}
