package main

import "github.com/prepio/relay/cmd"

func main() {
	cmd.Execute()
}
