package main

import (
	"fmt"
	"os"

	"github.com/JeyyM/CSNETWK-MP/internal/config"
)

// RunCLI handles subcommand execution. Returns true if a subcommand was
// handled; the caller exits without starting the node.
func RunCLI(args []string) bool {
	if len(args) == 0 {
		return false
	}
	switch args[0] {
	case "version":
		fmt.Printf("lsnp %s\n", Version)
		return true
	case "dumpconfig":
		return cliDumpConfig(args[1:])
	default:
		return false
	}
}

// cliDumpConfig prints the resolved configuration as TOML: the compiled
// defaults, or a config file layered over them when a path is given.
func cliDumpConfig(args []string) bool {
	cfg := config.Default()
	if len(args) > 0 {
		loaded, err := config.Load(args[0])
		if err != nil {
			fmt.Fprintf(os.Stderr, "error: %v\n", err)
			os.Exit(1)
		}
		cfg = loaded
	}
	out, err := cfg.Dump()
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
	fmt.Print(out)
	return true
}
