package main

import "github.com/open-feature/flagd-toolbar/cmd"

func main() {
	cmd.Execute()
}
