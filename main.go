package main

import "github.com/markb/frontdesk/cmd"

func main() {
	cmd.Execute()
}
