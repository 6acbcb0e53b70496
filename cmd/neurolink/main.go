package main

import (
	"context"
	"os"

	"github.com/g960059/neurolink/internal/cli"
)

func main() {
	r := cli.NewRunner(cli.DefaultSocketPath(), os.Stdout, os.Stderr)
	os.Exit(r.Run(context.Background(), os.Args[1:]))
}
