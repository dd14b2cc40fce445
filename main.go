package main

import "github.com/bryan-buckman/threadlens/internal/cli"

func main() {
	cli.Execute()
}
