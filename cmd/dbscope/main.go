package main

import "github.com/bionicotaku/lingo-dbscope/cmd/dbscope/command"

func main() {
	command.Execute()
}
