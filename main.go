package main

import "github.com/edgeflare/pgmirror/cmd/pgmirror"

func main() {
	pgmirror.Main()
}
