package main

import (
	"os"

	"github.com/soundprediction/go-graphops/cmd/graphops"
)

func main() {
	if err := graphops.Execute(); err != nil {
		os.Exit(1)
	}
}
