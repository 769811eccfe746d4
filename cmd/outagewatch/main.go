package main

import "github.com/vietddude/outagewatch/internal/cli"

func main() {
	cli.Execute()
}
