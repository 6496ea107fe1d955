package main

import "github.com/frahmantamala/escrow-settlement/cmd"

func main() {
	cmd.Execute()
}
