package main

import (
	"os"

	"github.com/wwwzy/TrafficAgent/internal/cli"
)

func main() {
	if err := cli.Execute(); err != nil {
		os.Exit(1)
	}
}
