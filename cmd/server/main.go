package main

import "github.com/carelink/escortd/internal/cli"

func main() {
	cli.Execute()
}
