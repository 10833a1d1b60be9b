// Command kvs reads and writes a store directory from the command line.
//
//	kvs [-dir path] [-config file.yaml] set KEY VALUE
//	kvs [-dir path] [-config file.yaml] get KEY
//	kvs [-dir path] [-config file.yaml] rm KEY
//	kvs [-dir path] [-config file.yaml] compact
//	kvs [-dir path] [-config file.yaml] stats
package main

import (
	"errors"
	"flag"
	"fmt"
	"io"
	"os"

	"go.uber.org/zap"

	"kv-bitcask/store"
)

func main() {
	os.Exit(run(os.Args[1:], os.Stdout, os.Stderr))
}

func run(args []string, stdout io.Writer, stderr io.Writer) int {
	flags := flag.NewFlagSet("kvs", flag.ContinueOnError)
	flags.SetOutput(stderr)
	dir := flags.String("dir", "./data", "Store directory")
	configPath := flags.String("config", "", "YAML options file")
	verbose := flags.Bool("v", false, "Log engine events to stderr")
	if err := flags.Parse(args); err != nil {
		return 2
	}

	opts := store.DefaultOptions()
	if *configPath != "" {
		var err error
		opts, err = store.LoadOptions(*configPath)
		if err != nil {
			fmt.Fprintf(stderr, "%v\n", err)
			return 1
		}
	}

	logger := zap.NewNop()
	if *verbose {
		var err error
		logger, err = zap.NewProduction()
		if err != nil {
			fmt.Fprintf(stderr, "failed to create logger: %v\n", err)
			return 1
		}
	}
	defer logger.Sync()
	opts.Logger = logger.Sugar()

	cmd := flags.Args()
	if len(cmd) == 0 {
		usage(stderr)
		return 2
	}

	kvStore, err := store.Open(*dir, opts)
	if err != nil {
		fmt.Fprintf(stderr, "failed to open store: %v\n", err)
		return 1
	}
	defer kvStore.Close()

	return execute(kvStore, cmd, stdout, stderr)
}

func execute(kvStore *store.Store, cmd []string, stdout io.Writer, stderr io.Writer) int {
	switch {
	case cmd[0] == "set" && len(cmd) == 3:
		if err := kvStore.Set([]byte(cmd[1]), []byte(cmd[2])); err != nil {
			fmt.Fprintf(stderr, "%v\n", err)
			return 1
		}
	case cmd[0] == "get" && len(cmd) == 2:
		value, err := kvStore.Get([]byte(cmd[1]))
		if errors.Is(err, store.ErrKeyNotFound) {
			fmt.Fprintln(stdout, "Key not found")
			return 0
		}
		if err != nil {
			fmt.Fprintf(stderr, "%v\n", err)
			return 1
		}
		fmt.Fprintf(stdout, "%s\n", value)
	case cmd[0] == "rm" && len(cmd) == 2:
		err := kvStore.Remove([]byte(cmd[1]))
		if errors.Is(err, store.ErrKeyNotFound) {
			fmt.Fprintln(stdout, "Key not found")
			return 1
		}
		if err != nil {
			fmt.Fprintf(stderr, "%v\n", err)
			return 1
		}
	case cmd[0] == "compact" && len(cmd) == 1:
		if err := kvStore.Compact(); err != nil {
			fmt.Fprintf(stderr, "%v\n", err)
			return 1
		}
	case cmd[0] == "stats" && len(cmd) == 1:
		stats := kvStore.Stats()
		fmt.Fprintf(stdout, "active_segment %d\nsegments %d\nkeys %d\nlive_bytes %d\nstale_bytes %d\n",
			stats.ActiveSegment, stats.Segments, stats.Keys, stats.LiveBytes, stats.StaleBytes)
	default:
		usage(stderr)
		return 2
	}
	return 0
}

func usage(w io.Writer) {
	fmt.Fprintln(w, "usage: kvs [-dir path] [-config file] [-v] set KEY VALUE | get KEY | rm KEY | compact | stats")
}
