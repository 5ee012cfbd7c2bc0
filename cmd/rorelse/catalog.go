package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/alesr/rorelse/catalog"
)

var errNoCatalog = errors.New("catalog_path (CATALOG_PATH) is not configured")

func (a *app) openCatalog() (*catalog.Catalog, error) {
	if a.cfg.CatalogPath == "" {
		return nil, errNoCatalog
	}
	cat, err := catalog.Open(a.cfg.CatalogPath)
	if err != nil {
		return nil, fmt.Errorf("could not open catalog: %w", err)
	}
	return cat, nil
}

// list prints the most recent recordings, newest first.
func (a *app) list(ctx context.Context) error {
	cat, err := a.openCatalog()
	if err != nil {
		return err
	}
	defer cat.Close()

	recs, err := cat.List(ctx, a.limit)
	if err != nil {
		return err
	}

	loc := a.cfg.Location()
	w := tabwriter.NewWriter(a.out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tSTARTED\tDURATION\tFRAMES\tSTATUS\tPATH")
	for _, rec := range recs {
		fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%s\t%s\n",
			rec.ID,
			rec.StartedAt.In(loc).Format(time.DateTime),
			rec.Duration().Round(100*time.Millisecond),
			rec.Frames,
			rec.Status,
			rec.Path,
		)
	}
	return w.Flush()
}

// show prints one recording as JSON.
func (a *app) show(ctx context.Context) error {
	if len(a.args) != 1 {
		return errors.New("show expects a recording id")
	}

	cat, err := a.openCatalog()
	if err != nil {
		return err
	}
	defer cat.Close()

	rec, err := cat.Get(ctx, a.args[0])
	if err != nil {
		return err
	}

	enc := json.NewEncoder(a.out)
	enc.SetIndent("", "  ")
	return enc.Encode(rec)
}
