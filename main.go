package main

import "github.com/nextlevelbuilder/goinbox/cmd"

func main() {
	cmd.Execute()
}
