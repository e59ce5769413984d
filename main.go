package main

import "github.com/deye-bridge/deye-bridge/cmd"

func main() {
	cmd.Execute()
}
