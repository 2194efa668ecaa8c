package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/chzyer/readline"
)

// REPL reads commands from the terminal and runs them through a Shell.
type REPL struct {
	rl *readline.Instance
}

// NewREPL creates the line editor. routines feeds tab completion.
func NewREPL(routines func() []string) (*REPL, error) {
	dyn := func(string) []string {
		if routines == nil {
			return nil
		}
		return routines()
	}
	var items []readline.PrefixCompleterInterface
	for _, c := range commands {
		if strings.Contains(c.args, "<routine>") || strings.Contains(c.args, "[routine]") {
			items = append(items, readline.PcItem(c.name, readline.PcItemDynamic(dyn)))
		} else {
			items = append(items, readline.PcItem(c.name))
		}
	}
	rl, err := readline.NewEx(&readline.Config{
		Prompt:          "routine> ",
		InterruptPrompt: "^C",
		EOFPrompt:       "quit",
		AutoComplete:    readline.NewPrefixCompleter(items...),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create readline: %w", err)
	}
	return &REPL{rl: rl}, nil
}

// Stdout returns a writer that keeps log lines from clobbering the prompt.
func (r *REPL) Stdout() io.Writer { return r.rl.Stdout() }

// Run reads lines until quit, EOF or ctx is done.
func (r *REPL) Run(ctx context.Context, sh *Shell) {
	defer r.rl.Close()

	stop := context.AfterFunc(ctx, func() { _ = r.rl.Close() })
	defer stop()

	for ctx.Err() == nil {
		line, err := r.rl.Readline()
		if errors.Is(err, readline.ErrInterrupt) {
			continue
		}
		if err != nil {
			return
		}
		if sh.Exec(ctx, line) {
			return
		}
	}
}
