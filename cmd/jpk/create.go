package main

import (
	"flag"

	"github.com/hashworks/jpk/archive"
)

const createHelp = `jpk create [-flags] <archive.jpk>

Create a new, empty JPK archive.

Example:
  % jpk create out.jpk
`

func cmdCreate(args []string) error {
	fset := flag.NewFlagSet("create", flag.ExitOnError)
	fset.Usage = usage(fset, createHelp)
	fset.Parse(args)

	if fset.NArg() != 1 {
		fset.Usage()
		return errArgCount
	}

	a, err := archive.Open(fset.Arg(0), true, nil)
	if err != nil {
		return err
	}
	if err := a.EnsureCoreHeaders(); err != nil {
		a.Close()
		return err
	}
	return a.Close()
}
