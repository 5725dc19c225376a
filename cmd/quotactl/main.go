package main

import "github.com/nyx-1037/ql-tiku2-opensource-sub000/internal/cli"

func main() {
	cli.Execute()
}
