package main

import (
	"fmt"
	"os"

	_ "go.uber.org/automaxprocs"

	"github.com/edgeforge-io/edgeforge/cmd/stationd/app"
)

func main() {
	if err := app.NewCommand().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
