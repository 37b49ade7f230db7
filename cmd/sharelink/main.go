package main

import (
	"fmt"
	"os"

	"github.com/sheerbytes/sharelink/internal/cli/receiver"
	"github.com/sheerbytes/sharelink/internal/cli/sender"
	"github.com/sheerbytes/sharelink/internal/termio"
)

const version = "v0.2.0"

func main() {
	termio.Init()
	defer termio.Flush()
	args := os.Args[1:]
	if len(args) == 0 {
		printUsage()
		return
	}
	if hasVersionFlag(args[:1]) {
		fmt.Fprintln(termio.Stdout(), "sharelink "+version)
		return
	}

	cmdName := args[0]
	switch cmdName {
	case "send":
		sender.Run(args[1:])
	case "recv", "receive":
		receiver.Run(args[1:])
	default:
		if hasHelpFlag(args) {
			printUsage()
			return
		}
		fmt.Fprintf(termio.Stderr(), "unknown command: %s\n", cmdName)
		printUsage()
		termio.Flush()
		os.Exit(2)
	}
}

func printUsage() {
	w := termio.Stderr()
	fmt.Fprintln(w, "usage: sharelink <command> [args]")
	fmt.Fprintln(w, "commands:")
	fmt.Fprintln(w, "  send   share one file and print a link")
	fmt.Fprintln(w, "  recv   download the file behind a link or identifier")
	fmt.Fprintln(w, "quick examples:")
	fmt.Fprintln(w, "  sharelink send ./slides.pdf")
	fmt.Fprintln(w, "  sharelink recv --out ./downloads https://share.example/?id=3f9a1c")
	fmt.Fprintln(w, "  sharelink recv -y 3f9a1c")
	fmt.Fprintln(w, "to learn detailed usage:")
	fmt.Fprintln(w, "  sharelink send --help")
	fmt.Fprintln(w, "  sharelink recv --help")
}

func hasHelpFlag(args []string) bool {
	for _, arg := range args {
		if arg == "--help" || arg == "-h" {
			return true
		}
	}
	return false
}

func hasVersionFlag(args []string) bool {
	for _, arg := range args {
		if arg == "--version" || arg == "-v" {
			return true
		}
	}
	return false
}
