package main

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/wutangasaf/aml-detection/internal/config"
	"github.com/wutangasaf/aml-detection/internal/core"
	"github.com/wutangasaf/aml-detection/internal/observability"
)

func searchCMD() *cobra.Command {
	var limit int
	var source string
	var search = &cobra.Command{
		Use:   "search [query]",
		Short: "Run retrieval only and print the ranked sources",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := config.Load()
			observability.Setup(cfg.LogLevel)
			if err := cfg.Validate(); err != nil {
				return err
			}
			ctx := cmd.Context()

			a, err := newApp(ctx, cfg)
			if err != nil {
				return err
			}
			defer a.Close()

			sources, err := a.retriever.Search(ctx, strings.Join(args, " "), core.SearchOptions{Limit: limit, SourceFilter: source})
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if len(sources) == 0 {
				fmt.Fprintln(out, "no matching documents")
				return nil
			}
			for i, src := range sources {
				fmt.Fprintf(out, "%d. [%s] %s (relevance: %.2f)\n   %s\n", i+1, src.Source, src.Filename, src.Score, firstLine(src.TextPreview))
			}
			return nil
		},
	}
	search.Flags().IntVar(&limit, "limit", core.DefaultSearchLimit, "number of sources to return")
	search.Flags().StringVar(&source, "source", "", "restrict to one source partition (e.g. FATF, EU)")
	return search
}

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	return s
}
