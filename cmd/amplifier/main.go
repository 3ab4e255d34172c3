// Package main provides the entry point for the amplifier runtime server.
package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/amplifier-ai/runtime/cmd/amplifier/commands"
)

func main() {
	if err := commands.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		var exit *commands.ExitError
		if errors.As(err, &exit) {
			os.Exit(exit.Code)
		}
		os.Exit(1)
	}
}
