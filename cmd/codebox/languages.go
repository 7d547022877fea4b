package main

import (
	"fmt"
	"io"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/jkaninda/codebox/internal/sandbox"
)

var languagesCmd = &cobra.Command{
	Use:   "languages",
	Short: "List the configured languages",
	RunE: func(_ *cobra.Command, _ []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		catalog, err := sandbox.NewCatalog(languagesFromConfig(cfg.Languages))
		if err != nil {
			return err
		}
		return printLanguages(os.Stdout, catalog.List())
	},
}

func printLanguages(w io.Writer, langs []sandbox.Language) error {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "NAME\tLABEL\tIMAGE\tCOMPILER\tSOURCE\tRUN")
	for _, l := range langs {
		run := l.RunCommand
		if run == "" {
			run = "-"
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\n", l.Name, l.Label, l.Image, l.Compiler, l.SourceFile, run)
	}
	return tw.Flush()
}
