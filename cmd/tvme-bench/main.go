// Command tvme-bench exercises the tiered vector memory engine end to
// end against a throwaway SQLite database: it inserts a handful of
// records, runs a hybrid search, prints the matches, and reports
// engine stats before shutting down. It is a smoke-test/example
// program, not a CLI frontend for the engine.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/memtier/tvme"
	"github.com/memtier/tvme/application/service"
	"github.com/memtier/tvme/domain/search"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "tvme-bench:", err)
		os.Exit(1)
	}
}

func run() error {
	dataDir := flag.String("data-dir", "./.tvme-bench", "directory for the engine's database and model cache")
	query := flag.String("query", "async rust runtime", "search query to run after seeding sample records")
	flag.Parse()

	engine, err := tvme.New(
		tvme.WithDataDir(*dataDir),
		tvme.WithDBURL("sqlite:///"+*dataDir+"/bench.db"),
	)
	if err != nil {
		return fmt.Errorf("start engine: %w", err)
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := engine.Shutdown(ctx); err != nil {
			fmt.Fprintln(os.Stderr, "tvme-bench: shutdown:", err)
		}
	}()

	ctx := context.Background()
	for _, text := range sampleRecords {
		if _, err := engine.Insert(ctx, service.InsertRequest{Text: text, Kind: "note"}); err != nil {
			return fmt.Errorf("insert: %w", err)
		}
	}

	matches, err := engine.Search(ctx, service.NewSearchQuery(*query, search.ModeHybrid, service.WithQueryTopK(5)))
	if err != nil {
		return fmt.Errorf("search: %w", err)
	}

	fmt.Printf("query %q: %d matches\n", *query, len(matches))
	for i, m := range matches {
		fmt.Printf("  %d. [%.4f] %s\n", i+1, m.Relevance, m.Record.Text())
	}

	stats, err := engine.Stats(ctx)
	if err != nil {
		return fmt.Errorf("stats: %w", err)
	}
	fmt.Printf("stats: %+v\n", stats)

	return nil
}

var sampleRecords = []string{
	"tokio provides an async runtime for rust",
	"goroutines are lightweight threads managed by the go runtime",
	"python's asyncio event loop cooperatively schedules coroutines",
	"rust's ownership model prevents data races at compile time",
	"the tiered memory engine promotes records from interact to insights based on access recency",
}
