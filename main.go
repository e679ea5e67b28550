package main

import "github.com/greptilebot/greptilebot/cmd"

func main() {
	cmd.Execute()
}
