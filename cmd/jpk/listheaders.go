package main

import (
	"flag"
	"fmt"

	"github.com/hashworks/jpk/archive"
)

const listHeadersHelp = `jpk list-headers [-flags] <archive.jpk>

Print every header key/value stored in a JPK archive.

Example:
  % jpk list-headers out.jpk
`

func cmdListHeaders(args []string) error {
	fset := flag.NewFlagSet("list-headers", flag.ExitOnError)
	fset.Usage = usage(fset, listHeadersHelp)
	fset.Parse(args)

	if fset.NArg() != 1 {
		fset.Usage()
		return errArgCount
	}

	a, err := archive.Open(fset.Arg(0), false, nil)
	if err != nil {
		return err
	}
	defer a.Close()

	if err := a.Load(false); err != nil {
		return err
	}

	for key, value := range a.Headers() {
		switch v := value.(type) {
		case uint8:
			fmt.Printf("%s: %d\n", key, v)
		case [32]byte:
			fmt.Printf("%s: %x\n", key, v)
		case []byte:
			fmt.Printf("%s: %x\n", key, v)
		default:
			fmt.Printf("%s: %v\n", key, v)
		}
	}
	return nil
}
