package main

import "github.com/strand-protocol/rtkit/cmd"

func main() {
	cmd.Execute()
}
