package main

import (
	"log"

	"github.com/grokgate/grokgate/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		log.Fatal(err)
	}
}
