package main

import (
	"flag"
	"os"

	"golang.org/x/xerrors"

	"github.com/hashworks/jpk/archive"
	"github.com/hashworks/jpk/writesession"
)

const addHelp = `jpk add [-flags] <archive.jpk> <path> [<path> ...]

Append files (and, with -dir, directories) to an existing JPK archive.

Example:
  % jpk add -z -H out.jpk README.md LICENSE
  % jpk add -dir -e -k hunter2 out.jpk assets/
`

func cmdAdd(args []string) error {
	fset := flag.NewFlagSet("add", flag.ExitOnError)
	gzip := fset.Bool("gzip", false, "compress entries with gzip")
	fset.BoolVar(gzip, "z", false, "alias for -gzip")
	encrypt := fset.Bool("encrypt", false, "encrypt entry data and keys")
	fset.BoolVar(encrypt, "e", false, "alias for -encrypt")
	hmacOn := fset.Bool("hmac", false, "append an HMAC to every entry")
	fset.BoolVar(hmacOn, "H", false, "alias for -hmac")
	metaHMAC := fset.Bool("meta-hmac", false, "write a meta HMAC header after adding")
	fset.BoolVar(metaHMAC, "M", false, "alias for -meta-hmac")
	encKey := fset.String("encryption-key", "", "key used for encryption/HMAC")
	fset.StringVar(encKey, "k", "", "alias for -encryption-key")
	prefix := fset.String("prefix", "", "key prefix applied to every entry")
	allowDirs := fset.Bool("directories", false, "allow directory arguments (recursed automatically)")
	fset.BoolVar(allowDirs, "dir", false, "alias for -directories")
	fset.Usage = usage(fset, addHelp)
	fset.Parse(args)

	if fset.NArg() < 2 {
		fset.Usage()
		return errArgCount
	}

	archivePath := fset.Arg(0)
	paths := fset.Args()[1:]

	var userKey []byte
	if *encKey != "" {
		userKey = []byte(*encKey)
	}

	a, err := archive.Open(archivePath, false, userKey)
	if err != nil {
		return err
	}
	defer a.Close()

	if err := a.Lock(); err != nil {
		return err
	}
	defer a.Unlock()

	if err := a.EnsureLoaded(); err != nil {
		return err
	}

	var sources []writesession.Source
	for _, p := range paths {
		st, err := os.Stat(p)
		if err != nil {
			return err
		}
		if st.IsDir() && !*allowDirs {
			return xerrors.Errorf("jpk: %s is a directory, pass -directories to recurse into it", p)
		}
		sources = append(sources, writesession.FileSource{Path: p})
	}

	sess := writesession.NewSession(a, writesession.Options{
		Prefix:     *prefix,
		Gzip:       *gzip,
		Encryption: *encrypt,
		HMAC:       *hmacOn,
	})
	if err := sess.Add(sources...); err != nil {
		return err
	}

	if *metaHMAC {
		if err := a.AddMetaHMAC(); err != nil {
			return err
		}
	}
	return nil
}
