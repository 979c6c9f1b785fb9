package main

import (
	"log"

	"github.com/austindbirch/pushtrigger/cmd/pushtrigger/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		log.Fatal(err)
	}
}
