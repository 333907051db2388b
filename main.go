package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"

	tea "charm.land/bubbletea/v2"
	"github.com/joho/godotenv"

	"github.com/cookiecms/cookiecli/tui"
)

// isTTY reports whether stderr is a character device (interactive terminal).
// We check stderr because the TUI renders to stderr, allowing stdout to be piped.
func isTTY() bool {
	fi, err := os.Stderr.Stat()
	if err != nil {
		return false
	}
	return (fi.Mode() & os.ModeCharDevice) != 0
}

func main() {
	// Load .env file if exists (ignore error if not found)
	_ = godotenv.Load()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if !isTTY() {
		d := tui.NewPlainDisplayer(os.Stderr)
		d.Banner()
		if err := newCLI(os.Stdout, os.Stderr, d).execute(ctx, os.Args[1:]); err != nil {
			stop()
			os.Exit(1)
		}
		return
	}

	// Run TUI program on stderr so stdout pipes are not corrupted.
	// WithInput(nil): disable stdin/keyboard input so BubbleTea skips terminal
	// capability queries. Ctrl+C is handled by signal.NotifyContext.
	p := tea.NewProgram(tui.NewModel(), tea.WithOutput(os.Stderr), tea.WithInput(nil))

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		if _, err := p.Run(); err != nil {
			fmt.Fprintf(os.Stderr, "TUI error: %v\n", err)
		}
	}()

	d := tui.NewProgramDisplayer(p)
	d.Banner()
	runErr := newCLI(os.Stdout, os.Stderr, d).execute(ctx, os.Args[1:])
	p.Quit()
	wg.Wait()
	if runErr != nil {
		stop()
		os.Exit(1)
	}
}
