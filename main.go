package main

import "github.com/reloquent/carryover/cmd"

func main() {
	cmd.Execute()
}
