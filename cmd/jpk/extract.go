package main

import (
	"flag"

	"github.com/hashworks/jpk/archive"
	"github.com/hashworks/jpk/extractsession"
)

const extractHelp = `jpk extract [-flags] <archive.jpk> <targetDir>

Extract a JPK archive into targetDir.

Example:
  % jpk extract -V out.jpk ./restored
`

func cmdExtract(args []string) error {
	fset := flag.NewFlagSet("extract", flag.ExitOnError)
	verify := fset.Bool("verify", false, "verify per-entry HMACs while extracting")
	fset.BoolVar(verify, "V", false, "alias for -verify")
	encKey := fset.String("encryption-key", "", "key used to decrypt entries")
	fset.StringVar(encKey, "k", "", "alias for -encryption-key")
	fset.Usage = usage(fset, extractHelp)
	fset.Parse(args)

	if fset.NArg() != 2 {
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

	sess := extractsession.NewSession(a)
	return sess.Extract(fset.Arg(1), extractsession.Options{VerifyFileHMAC: *verify})
}
