package main

import "github.com/felixgeelhaar/memoir/cmd/memoir/cli"

func main() {
	cli.Execute()
}
