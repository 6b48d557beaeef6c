package main

import (
	"bufio"
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"

	"github.com/orneryd/embergraph/pkg/graph"
)

const shellHelp = `Enter a query ending with ';' or a newline.

Commands:
  :stats     Show store statistics
  :indexes   List indexes with entry counts
  :help      Show this help
  :exit      Leave the shell (also :quit)
`

// runShell reads statements from stdin and executes them against one open
// store until EOF or :exit.
func runShell(cmd *cobra.Command, args []string) error {
	store, err := openStore(cmd)
	if err != nil {
		return err
	}
	defer store.Close()

	out := cmd.OutOrStdout()
	headColor.Fprintf(out, "embergraph v%s shell, store %s\n", version, store.ID())
	fmt.Fprintln(out, "Type :help for commands.")

	sh := &shell{cmd: cmd, store: store, out: out}
	return sh.loop(cmd.InOrStdin())
}

type shell struct {
	cmd   *cobra.Command
	store *graph.Store
	out   io.Writer
	buf   strings.Builder
}

func (sh *shell) loop(in io.Reader) error {
	scanner := bufio.NewScanner(in)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for {
		if sh.buf.Len() == 0 {
			fmt.Fprint(sh.out, "embergraph> ")
		} else {
			fmt.Fprint(sh.out, "       ...> ")
		}
		if !scanner.Scan() {
			break
		}
		if sh.cmd.Context().Err() != nil {
			return sh.cmd.Context().Err()
		}
		line := strings.TrimSpace(scanner.Text())
		if sh.buf.Len() == 0 && strings.HasPrefix(line, ":") {
			if done := sh.meta(line); done {
				return nil
			}
			continue
		}
		if line == "" {
			continue
		}

		// A trailing backslash continues the statement on the next line.
		if strings.HasSuffix(line, "\\") {
			sh.buf.WriteString(strings.TrimSuffix(line, "\\"))
			sh.buf.WriteString(" ")
			continue
		}
		sh.buf.WriteString(strings.TrimSuffix(line, ";"))
		stmt := strings.TrimSpace(sh.buf.String())
		sh.buf.Reset()
		if stmt != "" {
			sh.exec(stmt)
		}
	}
	fmt.Fprintln(sh.out)
	return scanner.Err()
}

// meta runs a ':' command and reports whether the shell should exit.
func (sh *shell) meta(line string) bool {
	switch strings.ToLower(strings.Fields(line)[0]) {
	case ":exit", ":quit":
		return true
	case ":help":
		fmt.Fprint(sh.out, shellHelp)
	case ":stats":
		stats, err := sh.store.Stats()
		if err != nil {
			printError(sh.out, err)
			return false
		}
		if err := writeStats(sh.out, sh.store.ID(), stats); err != nil {
			printError(sh.out, err)
		}
	case ":indexes":
		stats, err := sh.store.IndexStats()
		if err != nil {
			printError(sh.out, err)
			return false
		}
		if err := writeIndexStats(sh.out, stats); err != nil {
			printError(sh.out, err)
		}
	default:
		printError(sh.out, fmt.Errorf("unknown command %s (try :help)", line))
	}
	return false
}

func (sh *shell) exec(stmt string) {
	res, err := sh.store.Execute(sh.cmd.Context(), stmt)
	if err != nil {
		printError(sh.out, err)
		return
	}
	if err := writeResult(sh.out, res); err != nil {
		printError(sh.out, err)
	}
}
