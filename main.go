package main

import "github.com/omnirec/omnirec/cmd"

func main() {
	cmd.Execute()
}
