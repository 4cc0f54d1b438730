package main

import "github.com/vietddude/reviewradar/internal/cli"

func main() {
	cli.Execute()
}
