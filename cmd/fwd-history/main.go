package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"text/tabwriter"
	"time"

	"fwd-forge/internal/ledger"
)

func main() {
	ledgerPath := flag.String("ledger", "fwd.db", "SQLite ledger written by fwd -ledger")
	limit := flag.Int("limit", 20, "Maximum rows per table (0 = all)")
	archivesOnly := flag.Bool("archives", false, "List archives only")
	flag.Parse()

	if _, err := os.Stat(*ledgerPath); err != nil {
		log.Fatalf("open ledger: %v", err)
	}
	l, err := ledger.Open(*ledgerPath)
	if err != nil {
		log.Fatalf("open ledger: %v", err)
	}
	defer l.Close()

	ctx := context.Background()
	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)

	archives, err := l.Archives(ctx, *limit)
	if err != nil {
		log.Fatalf("list archives: %v", err)
	}
	fmt.Fprintln(w, "ARCHIVE\tSOURCE\tWAVELET\tLEVEL\tLOG\tSAMPLES\tCREATED")
	for _, a := range archives {
		fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%v\t%d\t%s\n",
			a.Path, a.Source, a.Settings.Wavelet, a.Settings.MaxLevel, a.Settings.LogScale,
			a.Samples, a.CreatedAt.Local().Format(time.DateTime))
	}

	if !*archivesOnly {
		comparisons, err := l.Comparisons(ctx, *limit)
		if err != nil {
			log.Fatalf("list comparisons: %v", err)
		}
		fmt.Fprintln(w)
		fmt.Fprintln(w, "FWD\tSOURCE_A\tSOURCE_B\tWAVELET\tLEVEL\tLOG\tCREATED")
		for _, c := range comparisons {
			fmt.Fprintf(w, "%.6f\t%s\t%s\t%s\t%d\t%v\t%s\n",
				c.FWD, c.SourceA, c.SourceB, c.Settings.Wavelet, c.Settings.MaxLevel, c.Settings.LogScale,
				c.CreatedAt.Local().Format(time.DateTime))
		}
	}
	if err := w.Flush(); err != nil {
		log.Fatalf("flush: %v", err)
	}
}
