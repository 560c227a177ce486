package main

import (
	"os"

	"github.com/spf13/cobra"
)

func main() {
	var root = &cobra.Command{
		Use:          "aml-rag",
		Short:        "AML regulatory question answering service",
		SilenceUsage: true,
	}

	root.AddCommand(serveCMD(), searchCMD(), tokenCMD())
	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}
