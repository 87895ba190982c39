package main

import (
	"flag"
	"fmt"

	"github.com/hashworks/jpk/archive"
)

const listHelp = `jpk list [-flags] <archive.jpk>

List the entries of a JPK archive, one key per line, directories first.

Example:
  % jpk list out.jpk
`

func cmdList(args []string) error {
	fset := flag.NewFlagSet("list", flag.ExitOnError)
	encKey := fset.String("encryption-key", "", "key used to decrypt entry keys")
	fset.StringVar(encKey, "k", "", "alias for -encryption-key")
	fset.Usage = usage(fset, listHelp)
	fset.Parse(args)

	if fset.NArg() != 1 {
		fset.Usage()
		return errArgCount
	}

	var userKey []byte
	if *encKey != "" {
		userKey = []byte(*encKey)
	}

	a, err := archive.Open(fset.Arg(0), false, userKey)
	if err != nil {
		return err
	}
	defer a.Close()

	if err := a.Load(false); err != nil {
		return err
	}

	for _, key := range a.DirectoryKeys() {
		fmt.Printf("%s/\n", key)
	}
	for _, key := range a.Keys() {
		fmt.Println(key)
	}
	return nil
}
