package main

import "github.com/berth-dev/keel/internal/cli"

func main() {
	cli.Execute()
}
