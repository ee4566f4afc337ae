package main

import "github.com/forPelevin/phrasecut/internal/cli"

func main() {
	cli.Main()
}
