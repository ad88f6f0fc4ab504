// kvshell is a simple interactive CLI for exercising a flashkv tree.
//
// Usage:
//
//	kvshell [options]
//
// Options:
//
//	-n, --node-size      On-flash node size in bytes (default: 8192)
//	-k, --max-key-size   Maximum key size in bytes (default: 256)
//	-m, --min-keys       Minimum keys per node (default: 4)
//	-d, --dir            Directory to store node files in (default: in-memory)
//
// Commands (in REPL):
//
//	put <key> <value>   Insert or update an entry
//	get <key>           Retrieve an entry by key
//	del <key>           Delete an entry
//	scan                List every entry in ascending key order
//	stats               Show cumulative tree counters
//	help                Show this help
//	exit / quit / q     Exit
package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/peterh/liner"
	flag "github.com/spf13/pflag"

	flashkv "github.com/flashcore/kv"
	"github.com/flashcore/kv/internal/nodestore"
	"github.com/flashcore/kv/pkg/fs"
)

func main() {
	os.Exit(run(os.Args[1:], os.Stdout, os.Stderr))
}

func run(args []string, out, errOut io.Writer) int {
	flagSet := flag.NewFlagSet("kvshell", flag.ContinueOnError)
	flagSet.SetOutput(errOut)
	flagSet.Usage = func() {
		w := flagSet.Output()
		fmt.Fprintf(w, "Usage: kvshell [options]\n\nInteractive shell over a flashkv tree.\n\nOptions:\n")
		flagSet.PrintDefaults()
	}

	nodeSize := flagSet.Uint32P("node-size", "n", 8192, "on-flash node size in bytes")
	maxKeySize := flagSet.Uint32P("max-key-size", "k", 256, "maximum key size in bytes")
	minKeys := flagSet.Uint32P("min-keys", "m", 4, "minimum keys per node")
	dir := flagSet.StringP("dir", "d", "", "directory to store node files in (default: in-memory)")

	if err := flagSet.Parse(args); err != nil {
		if err == flag.ErrHelp {
			return 0
		}

		return 2
	}

	tr, err := openShellTree(*nodeSize, *maxKeySize, *minKeys, *dir)
	if err != nil {
		fmt.Fprintf(errOut, "kvshell: %v\n", err)
		return 1
	}

	repl := &shellREPL{tree: tr, out: out}

	if err := repl.run(); err != nil {
		fmt.Fprintf(errOut, "kvshell: %v\n", err)
		return 1
	}

	return 0
}

func openShellTree(nodeSize, maxKeySize, minKeys uint32, dir string) (*flashkv.Tree, error) {
	var backend flashkv.NodeIO = nodestore.NewMemIO()
	if dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create store dir: %w", err)
		}

		backend = nodestore.NewFileIO(fs.NewReal(), dir)
	}

	flags := flashkv.SecondaryIndex
	if reloadable(dir) {
		flags |= flashkv.Reload
	}

	return flashkv.OpenTree(context.Background(), flashkv.TreeOptions{
		Flags:           flags,
		NPartitions:     1,
		MaxKeySize:      maxKeySize,
		MinKeysPerNode:  minKeys,
		NodeSize:        nodeSize,
		NL1CacheBuckets: 64,
		IO:              backend,
		Cmp:             compareBytes,
		Seq:             &flashkv.AtomicSeqAllocator{},
	})
}

func compareBytes(a, b []byte) int {
	return strings.Compare(string(a), string(b))
}

// reloadable reports whether dir exists and is non-empty, which is taken
// as a store from a previous run, so reopening the same -dir picks up
// existing data instead of re-initializing it.
func reloadable(dir string) bool {
	if dir == "" {
		return false
	}

	entries, err := os.ReadDir(dir)
	return err == nil && len(entries) > 0
}

// shellREPL is the interactive command loop: a liner.State prompt with
// persistent history, one switch over the first whitespace-separated
// token per line.
type shellREPL struct {
	tree *flashkv.Tree
	out  io.Writer
	ln   *liner.State
}

func historyFile() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}

	return filepath.Join(home, ".kvshell_history")
}

func (r *shellREPL) run() error {
	r.ln = liner.NewLiner()
	defer r.ln.Close()

	r.ln.SetCtrlCAborts(true)

	if f, err := os.Open(historyFile()); err == nil {
		r.ln.ReadHistory(f)
		f.Close()
	}

	fmt.Fprintln(r.out, "kvshell - flashkv tree shell. Type 'help' for commands.")

	for {
		line, err := r.ln.Prompt("kvshell> ")
		if err != nil {
			if err == liner.ErrPromptAborted || err == io.EOF {
				fmt.Fprintln(r.out, "\nBye!")
				break
			}

			return fmt.Errorf("reading input: %w", err)
		}

		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}

		r.ln.AppendHistory(line)

		if f, err := os.Create(historyFile()); err == nil {
			r.ln.WriteHistory(f)
			f.Close()
		}

		if r.dispatch(line) {
			break
		}
	}

	return nil
}

// dispatch runs one command line, returning true when the REPL should exit.
func (r *shellREPL) dispatch(line string) bool {
	parts := strings.Fields(line)
	cmd := strings.ToLower(parts[0])
	args := parts[1:]
	ctx := context.Background()

	switch cmd {
	case "exit", "quit", "q":
		return true

	case "help":
		r.printHelp()

	case "put":
		if len(args) < 2 {
			fmt.Fprintln(r.out, "usage: put <key> <value>")
			break
		}

		if err := r.tree.Upsert(ctx, []byte(args[0]), []byte(strings.Join(args[1:], " "))); err != nil {
			fmt.Fprintf(r.out, "error: %v\n", err)
			break
		}

		fmt.Fprintln(r.out, "ok")

	case "get":
		if len(args) < 1 {
			fmt.Fprintln(r.out, "usage: get <key>")
			break
		}

		v, err := r.tree.Get(ctx, []byte(args[0]), flashkv.GetOpts{AllocIfTooSmall: true})
		if err != nil {
			fmt.Fprintf(r.out, "error: %v\n", err)
			break
		}

		fmt.Fprintln(r.out, string(v))

	case "del":
		if len(args) < 1 {
			fmt.Fprintln(r.out, "usage: del <key>")
			break
		}

		if err := r.tree.Delete(ctx, []byte(args[0])); err != nil {
			fmt.Fprintf(r.out, "error: %v\n", err)
			break
		}

		fmt.Fprintln(r.out, "ok")

	case "scan":
		r.scan(ctx)

	case "stats":
		r.printStats()

	default:
		fmt.Fprintf(r.out, "unknown command %q, try 'help'\n", cmd)
	}

	return false
}

func (r *shellREPL) scan(ctx context.Context) {
	cur, err := r.tree.NewCursor(ctx, nil, nil)
	if err != nil {
		fmt.Fprintf(r.out, "error: %v\n", err)
		return
	}
	defer cur.Close()

	w := bufio.NewWriter(r.out)
	defer w.Flush()

	n := 0
	for cur.Valid() {
		v, err := cur.Value(ctx)
		if err != nil {
			fmt.Fprintf(w, "error reading value for %q: %v\n", cur.Key(), err)
			break
		}

		fmt.Fprintf(w, "%s = %s\n", cur.Key(), v)
		n++

		if err := cur.Next(ctx); err != nil {
			fmt.Fprintf(w, "error advancing cursor: %v\n", err)
			break
		}
	}

	fmt.Fprintf(w, "(%d entries)\n", n)
}

func (r *shellREPL) printStats() {
	s := &r.tree.Stats
	fmt.Fprintf(r.out, "nodes=%d splits=%d merges=%d shifts=%d restarts=%d\n",
		s.NodeCount.Load(), s.SplitCount.Load(), s.MergeCount.Load(), s.ShiftCount.Load(), s.RestartCount.Load())
}

func (r *shellREPL) printHelp() {
	fmt.Fprint(r.out, `  put <key> <value>   Insert or update an entry
  get <key>           Retrieve an entry by key
  del <key>           Delete an entry
  scan                List every entry in ascending key order
  stats               Show cumulative tree counters
  help                Show this help
  exit / quit / q     Exit
`)
}
