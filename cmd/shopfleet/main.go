package main

import (
	"context"
	"fmt"
	"os"

	"github.com/m3rciful/shopfleet/core/cmd"
)

func main() {
	root := cmd.NewRootCommand(cmd.Options{DefaultConfigPath: "config.yaml"})
	if err := root.ExecuteContext(context.Background()); err != nil {
		fmt.Fprintln(os.Stderr, "shopfleet:", err)
		os.Exit(1)
	}
}
