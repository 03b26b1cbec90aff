// Copyright 2024 The fleece Authors. All rights reserved.
// Use of this source code is governed by the Apache-2.0 License
// that can be found in the LICENSE file.

// fleece-inspect dumps the snapshot structure of a database file: the
// checkpoint chain from newest to oldest, each snapshot's tree offset,
// and the key count of the latest snapshot.
package main

import (
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"

	fleece "github.com/couchbaselabs/fleece"
	"github.com/couchbaselabs/fleece/internal/datafile"
)

func main() {
	pageSize := flag.Uint64("pagesize", fleece.DefaultPageSize, "page size the file was written with")
	maxSize := flag.Uint64("maxsize", fleece.DefaultMaxSize, "maximum mapping size")
	quiet := flag.Bool("q", false, "suppress recovery warnings")
	flag.Parse()

	if flag.NArg() != 1 {
		fmt.Fprintf(os.Stderr, "usage: %s [flags] dbfile\n", os.Args[0])
		os.Exit(2)
	}
	path := flag.Arg(0)

	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))
	if *quiet {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}

	db, err := fleece.Open(path, fleece.ReadOnly,
		fleece.WithPageSize(*pageSize),
		fleece.WithMaxSize(*maxSize),
		fleece.WithLogger(logger))
	if err != nil {
		fmt.Fprintf(os.Stderr, "%s: %s\n", path, err)
		os.Exit(1)
	}
	defer db.Close()

	fmt.Printf("%s: checkpoint 0x%x, %d keys", path, db.Checkpoint(), db.Count())
	if db.Damaged() {
		fmt.Printf(" (recovered past damaged tail)")
	}
	fmt.Println()

	for n := 0; ; n++ {
		var treeOffset uint32
		if tr, ok := datafile.ParseTrailer(db.DataUpToCheckpoint(db.Checkpoint())); ok {
			treeOffset = tr.TreeOffset
		}
		fmt.Printf("  snapshot %d: checkpoint 0x%x, tree offset 0x%x (%d bytes since previous)\n",
			n, db.Checkpoint(), treeOffset, db.Checkpoint()-db.PreviousCheckpoint())
		prev := db.PreviousCheckpoint()
		if prev == 0 {
			break
		}
		older, err := db.CloneAtCheckpoint(prev)
		if err != nil {
			fmt.Fprintf(os.Stderr, "checkpoint 0x%x: %s\n", prev, err)
			os.Exit(1)
		}
		if n > 0 {
			// db is itself a clone from the previous round
			_ = db.Close()
		}
		db = older
	}
}
