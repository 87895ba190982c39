// Command jpk creates, inspects and extracts JPK archives.
package main

import (
	"fmt"
	"os"
)

// version is overwritten at build time via -ldflags "-X main.version=...".
var version = "HEAD"

type cmd struct {
	fn func(args []string) error
}

func funcmain() error {
	verbs := map[string]cmd{
		"create":       {cmdCreate},
		"c":            {cmdCreate},
		"add":          {cmdAdd},
		"a":            {cmdAdd},
		"extract":      {cmdExtract},
		"x":            {cmdExtract},
		"list":         {cmdList},
		"l":            {cmdList},
		"list-headers": {cmdListHeaders},
		"lh":           {cmdListHeaders},
	}

	args := os.Args[1:]
	if len(args) > 0 && (args[0] == "-version" || args[0] == "--version") {
		fmt.Println(version)
		return nil
	}

	if len(args) == 0 {
		fmt.Fprintf(os.Stderr, "jpk <command> [-flags] <args>\n")
		fmt.Fprintf(os.Stderr, "commands: create, add, extract, list, list-headers\n")
		os.Exit(2)
	}
	verb, rest := args[0], args[1:]

	v, ok := verbs[verb]
	if !ok {
		fmt.Fprintf(os.Stderr, "unknown command %q\n", verb)
		fmt.Fprintf(os.Stderr, "syntax: jpk <command> [options]\n")
		os.Exit(2)
	}
	return v.fn(rest)
}

func main() {
	if err := funcmain(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
