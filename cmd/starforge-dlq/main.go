// Package main implements the starforge-dlq binary: an operator tool for
// inspecting dead-letter segments on disk.
package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/starforge/starforge/internal/deadletter"
)

func main() {
	var (
		dir      string
		limit    int
		reason   string
		asJSON   bool
		showHelp bool
	)

	flag.StringVar(&dir, "dir", "", "Dead-letter segment directory (required)")
	flag.IntVar(&limit, "limit", 50, "Maximum number of records to print, newest first")
	flag.StringVar(&reason, "reason", "", "Filter by reason: UNKNOWN_ENTITY_KIND, MALFORMED_ENVELOPE, HANDLER_REJECTED")
	flag.BoolVar(&asJSON, "json", false, "Print records as JSON lines")
	flag.BoolVar(&showHelp, "help", false, "Show help message")

	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "starforge-dlq - Inspect dead-letter segments\n\n")
		fmt.Fprintf(os.Stderr, "Usage: starforge-dlq --dir <segment-dir> [options]\n\n")
		fmt.Fprintf(os.Stderr, "Options:\n")
		flag.PrintDefaults()
		fmt.Fprintf(os.Stderr, "\nExamples:\n")
		fmt.Fprintf(os.Stderr, "  starforge-dlq --dir /data/starforge/deadletter\n")
		fmt.Fprintf(os.Stderr, "  starforge-dlq --dir /data/starforge/deadletter --reason HANDLER_REJECTED --limit 10\n")
	}

	flag.Parse()

	if showHelp {
		flag.Usage()
		os.Exit(0)
	}
	if dir == "" {
		flag.Usage()
		os.Exit(2)
	}

	records, err := deadletter.Tail(dir, limit)
	if err != nil {
		log.Fatalf("Failed to read segments: %v", err)
	}

	printed := 0
	for _, rec := range records {
		if reason != "" && string(rec.Reason) != reason {
			continue
		}
		if asJSON {
			line, err := json.Marshal(rec)
			if err != nil {
				log.Printf("Failed to marshal record %s: %v", rec.ID, err)
				continue
			}
			fmt.Println(string(line))
		} else {
			captured := time.Unix(0, rec.CapturedAt).UTC().Format(time.RFC3339)
			fmt.Printf("%s  %-20s  %s\n", captured, rec.Reason, rec.ID)
			if rec.Detail != "" {
				fmt.Printf("    detail: %s\n", rec.Detail)
			}
			fmt.Printf("    event:  %s\n", string(rec.Event))
		}
		printed++
	}

	segments, err := deadletter.Segments(dir)
	if err != nil {
		log.Fatalf("Failed to list segments: %v", err)
	}
	if !asJSON {
		fmt.Printf("\n%d record(s) shown from %d segment(s) in %s\n", printed, len(segments), dir)
	}
}
