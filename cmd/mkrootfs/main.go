package main

import "github.com/sauzeros/mkrootfs/internal/cli"

func main() {
	cli.Main()
}
