package main

import "github.com/jmehdipour/event-gateway/cmd"

func main() {
	cmd.Execute()
}
