package main

import "sharedws/cmd/cli/command"

func main() {
	command.Execute()
}
