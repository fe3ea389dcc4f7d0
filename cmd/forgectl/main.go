package main

import "github.com/edgeforge-io/edgeforge/cmd/forgectl/cmd"

func main() {
	cmd.Execute()
}
