package main

import (
	"fmt"
	"io"
	"os"
	"strings"
	"text/tabwriter"

	"aivis/internal/usecase/catalog"
)

func runCatalog() error {
	cfg, err := loadConfigOnly()
	if err != nil {
		return err
	}
	cat, err := loadCatalog(cfg.Catalog)
	if err != nil {
		return fmt.Errorf("catalog: %w", err)
	}
	printCatalog(os.Stdout, cat)
	return nil
}

func printCatalog(w io.Writer, cat *catalog.Catalog) {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tCATEGORY\tPOLICY\tPARALLEL\tINPUTS")
	for _, d := range cat.Descriptors() {
		policy := string(d.FailurePolicy)
		if d.EffectivePolicy() != d.FailurePolicy {
			policy += "->" + string(d.EffectivePolicy())
		}
		inputs := "-"
		if len(d.Inputs) > 0 {
			inputs = strings.Join(d.Inputs, ",")
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%t\t%s\n", d.ID, d.Category, policy, d.ParallelCapable, inputs)
	}
	tw.Flush()
}
