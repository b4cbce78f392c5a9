package main

import "github.com/stephnangue/keymaster/cmd"

func main() {
	cmd.Execute()
}
