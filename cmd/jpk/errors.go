package main

import "golang.org/x/xerrors"

var errArgCount = xerrors.New("jpk: wrong number of arguments")
