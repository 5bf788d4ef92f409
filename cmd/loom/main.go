package main

import (
	"os"

	"loom/internal/cli"
)

func main() {
	os.Exit(cli.Execute(os.Args[1:]))
}
