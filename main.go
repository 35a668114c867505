package main

import "github.com/inovacc/tillsync/cmd"

func main() {
	cmd.Execute()
}
