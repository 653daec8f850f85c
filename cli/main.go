package main

import "southwinds.dev/keepsafe/cli/cmd"

func main() {
	cmd.Execute()
}
