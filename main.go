// main.go - Einstiegspunkt
package main

import (
	"fmt"
	"os"

	"github.com/smspillaz/ggml-go/cmd"
)

func main() {
	if err := cmd.NewCLI().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
