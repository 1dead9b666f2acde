package main

import "github.com/flankhq/flank/cmd"

func main() {
	cmd.Execute()
}
