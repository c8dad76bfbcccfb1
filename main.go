package main

import "github.com/endorses/lagswitch/cmd"

func main() {
	cmd.Execute()
}
