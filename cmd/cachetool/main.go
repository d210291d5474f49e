// cachetool is a simple CLI for interacting with diskcache directories.
//
// Usage:
//
//	cachetool <cache-dir> [flags]        Open (or create) a cache directory and enter a REPL
//	cachetool stats <cache-dir> [flags]  Print the cache's Stats counters and exit
//
// Flags:
//
//	--max-bytes int        Size budget in bytes (default: 80 MB)
//	--eviction string      "purelru" or "reuseaware" (default: "purelru")
//	--format string        "text" or "yaml", for the stats command (default: "text")
//
// Commands (in REPL):
//
//	put <key> <value>     Create (or overwrite) an entry's stream 0
//	get <key>              Read an entry's stream 0 and print it
//	doom <key>             Doom an entry
//	ls [limit]             Enumerate entries
//	stats                  Show Stats counters
//	info                   Show cache info
//	help                   Show this help
//	exit / quit / q        Exit
package main

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/peterh/liner"
	flag "github.com/spf13/pflag"
	"gopkg.in/yaml.v3"

	"github.com/vaultcache/diskcache/pkg/diskcache"
	"github.com/vaultcache/diskcache/pkg/diskcache/eviction"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	if len(os.Args) < 2 {
		printUsage()

		return errors.New("missing command or cache directory")
	}

	if os.Args[1] == "stats" {
		return runStats(os.Args[2:])
	}

	return runOpen(os.Args[1:])
}

func printUsage() {
	fmt.Fprintf(os.Stderr, "Usage:\n")
	fmt.Fprintf(os.Stderr, "  cachetool <cache-dir> [flags]        Open a cache directory and enter a REPL\n")
	fmt.Fprintf(os.Stderr, "  cachetool stats <cache-dir> [flags]  Print Stats counters and exit\n")
}

func commonFlags(fs *flag.FlagSet) (maxBytes *int64, evictionName *string) {
	maxBytes = fs.Int64("max-bytes", 0, "size budget in bytes (default: 80 MB)")
	evictionName = fs.String("eviction", "purelru", `eviction policy: "purelru" or "reuseaware"`)

	return maxBytes, evictionName
}

func parseEviction(name string) (diskcache.Options, error) {
	switch strings.ToLower(name) {
	case "", "purelru":
		return diskcache.Options{}, nil
	case "reuseaware":
		return diskcache.Options{EvictionPolicy: eviction.ReuseAware}, nil
	default:
		return diskcache.Options{}, fmt.Errorf("unknown eviction policy %q", name)
	}
}

func runStats(args []string) error {
	fs := flag.NewFlagSet("stats", flag.ExitOnError)
	maxBytes, evictionName := commonFlags(fs)
	format := fs.String("format", "text", `output format: "text" or "yaml"`)

	fs.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: cachetool stats [flags] <cache-dir>\n\n")
		fmt.Fprintf(os.Stderr, "Flags:\n")
		fs.PrintDefaults()
	}

	if err := fs.Parse(args); err != nil {
		return err
	}

	if fs.NArg() < 1 {
		fs.Usage()

		return errors.New("missing cache directory")
	}

	opts, err := parseEviction(*evictionName)
	if err != nil {
		return err
	}

	opts.Dir = fs.Arg(0)
	opts.MaxBytes = *maxBytes

	b, err := diskcache.Open(opts)
	if err != nil {
		return fmt.Errorf("opening cache: %w", err)
	}
	defer b.Close()

	stats := b.GetStats()

	switch strings.ToLower(*format) {
	case "yaml":
		out := make(map[string]int64, len(stats))
		for _, s := range stats {
			out[s.Name] = s.Value
		}

		data, merr := yaml.Marshal(out)
		if merr != nil {
			return merr
		}

		_, err = os.Stdout.Write(data)

		return err
	default:
		fmt.Printf("Entries: %d\n", b.GetEntryCount())

		for _, s := range stats {
			fmt.Printf("%-16s %d\n", s.Name, s.Value)
		}

		return nil
	}
}

func runOpen(args []string) error {
	fs := flag.NewFlagSet("open", flag.ExitOnError)
	maxBytes, evictionName := commonFlags(fs)

	fs.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: cachetool [flags] <cache-dir>\n\n")
		fmt.Fprintf(os.Stderr, "Open (or create) a diskcache directory and start an interactive REPL.\n\n")
		fmt.Fprintf(os.Stderr, "Flags:\n")
		fs.PrintDefaults()
	}

	if err := fs.Parse(args); err != nil {
		return err
	}

	if fs.NArg() < 1 {
		fs.Usage()

		return errors.New("missing cache directory")
	}

	opts, err := parseEviction(*evictionName)
	if err != nil {
		return err
	}

	opts.Dir = fs.Arg(0)
	opts.MaxBytes = *maxBytes

	b, err := diskcache.Open(opts)
	if err != nil {
		return fmt.Errorf("opening cache: %w", err)
	}
	defer b.Close()

	repl := &REPL{backend: b, dir: opts.Dir}

	return repl.Run()
}

// REPL is the interactive command loop.
type REPL struct {
	backend *diskcache.Backend
	dir     string
	liner   *liner.State
}

func historyFile() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}

	return filepath.Join(home, ".cachetool_history")
}

// Run starts the REPL loop.
func (r *REPL) Run() error {
	r.liner = liner.NewLiner()
	defer r.liner.Close()

	r.liner.SetCtrlCAborts(true)
	r.liner.SetCompleter(r.completer)

	if f, err := os.Open(historyFile()); err == nil {
		r.liner.ReadHistory(f)
		f.Close()
	}

	fmt.Printf("cachetool - diskcache CLI (dir=%s)\n", r.dir)
	fmt.Println("Type 'help' for available commands.")
	fmt.Println()

	for {
		line, err := r.liner.Prompt("cachetool> ")
		if err != nil {
			if err == liner.ErrPromptAborted || err == io.EOF {
				fmt.Println("\nBye!")

				break
			}

			return fmt.Errorf("reading input: %w", err)
		}

		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}

		r.liner.AppendHistory(line)

		parts := strings.Fields(line)
		cmd := strings.ToLower(parts[0])
		args := parts[1:]

		switch cmd {
		case "exit", "quit", "q":
			fmt.Println("Bye!")
			r.saveHistory()

			return nil

		case "help", "?":
			r.printHelp()

		case "put":
			r.cmdPut(args)

		case "get":
			r.cmdGet(args)

		case "doom":
			r.cmdDoom(args)

		case "ls", "list":
			r.cmdLs(args)

		case "stats":
			r.cmdStats()

		case "info":
			r.cmdInfo()

		default:
			fmt.Printf("Unknown command: %s (type 'help' for commands)\n", cmd)
		}
	}

	r.saveHistory()

	return nil
}

func (r *REPL) saveHistory() {
	if path := historyFile(); path != "" {
		if f, err := os.Create(path); err == nil {
			r.liner.WriteHistory(f)
			f.Close()
		}
	}
}

func (r *REPL) completer(line string) []string {
	commands := []string{"put", "get", "doom", "ls", "list", "stats", "info", "help", "exit", "quit", "q"}

	var completions []string

	lower := strings.ToLower(line)
	for _, cmd := range commands {
		if strings.HasPrefix(cmd, lower) {
			completions = append(completions, cmd)
		}
	}

	return completions
}

func (r *REPL) printHelp() {
	fmt.Println("Commands:")
	fmt.Println("  put <key> <value>   Create (or overwrite) an entry's stream 0")
	fmt.Println("  get <key>           Read an entry's stream 0")
	fmt.Println("  doom <key>          Doom an entry")
	fmt.Println("  ls [limit]          Enumerate entries")
	fmt.Println("  stats               Show Stats counters")
	fmt.Println("  info                Show cache info")
	fmt.Println("  help                Show this help")
	fmt.Println("  exit / quit / q     Exit")
}

func (r *REPL) cmdPut(args []string) {
	if len(args) < 2 {
		fmt.Println("Usage: put <key> <value>")

		return
	}

	key, value := args[0], strings.Join(args[1:], " ")

	e, err := r.backend.CreateEntry(key)
	if errors.Is(err, diskcache.ErrExists) {
		e, err = r.backend.OpenEntry(key)
	}

	if err != nil {
		fmt.Printf("Error: %v\n", err)

		return
	}
	defer e.Close()

	if _, err := e.WriteData(0, 0, []byte(value), true); err != nil {
		fmt.Printf("Error writing: %v\n", err)

		return
	}

	fmt.Printf("OK: put %q\n", key)
}

func (r *REPL) cmdGet(args []string) {
	if len(args) < 1 {
		fmt.Println("Usage: get <key>")

		return
	}

	e, err := r.backend.OpenEntry(args[0])
	if errors.Is(err, diskcache.ErrNotFound) {
		fmt.Println("(not found)")

		return
	}

	if err != nil {
		fmt.Printf("Error: %v\n", err)

		return
	}
	defer e.Close()

	size, err := e.GetDataSize(0)
	if err != nil {
		fmt.Printf("Error: %v\n", err)

		return
	}

	buf := make([]byte, size)

	if _, err := e.ReadData(0, 0, buf); err != nil {
		fmt.Printf("Error reading: %v\n", err)

		return
	}

	fmt.Printf("%s\n", buf)
}

func (r *REPL) cmdDoom(args []string) {
	if len(args) < 1 {
		fmt.Println("Usage: doom <key>")

		return
	}

	if err := r.backend.DoomEntry(args[0]); err != nil {
		fmt.Printf("Error: %v\n", err)

		return
	}

	fmt.Printf("OK: doomed %q\n", args[0])
}

func (r *REPL) cmdLs(args []string) {
	limit := 20

	if len(args) >= 1 {
		n, err := strconv.Atoi(args[0])
		if err != nil {
			fmt.Printf("Error parsing limit: %v\n", err)

			return
		}

		limit = n
	}

	var it diskcache.Iterator

	defer r.backend.EndEnumeration(&it)

	for i := 0; i < limit; i++ {
		e, ok, err := r.backend.OpenNextEntry(&it)
		if err != nil {
			fmt.Printf("Error: %v\n", err)

			return
		}

		if !ok {
			if i == 0 {
				fmt.Println("(empty)")
			}

			return
		}

		key, _ := e.GetKey()
		size, _ := e.GetDataSize(0)
		fmt.Printf("%3d. %s  stream0=%d bytes\n", i+1, key, size)
		e.Close()
	}
}

func (r *REPL) cmdStats() {
	for _, s := range r.backend.GetStats() {
		fmt.Printf("%-16s %d\n", s.Name, s.Value)
	}
}

func (r *REPL) cmdInfo() {
	fmt.Printf("Cache Info:\n")
	fmt.Printf("  Directory:     %s\n", r.dir)
	fmt.Printf("  Live entries:  %d\n", r.backend.GetEntryCount())
}
