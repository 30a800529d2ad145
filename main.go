package main

import "github.com/killallgit/s24/cmd"

func main() {
	cmd.Execute()
}
