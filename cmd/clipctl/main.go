package main

import "github.com/amillerrr/clip-pipeline/internal/cli"

func main() {
	cli.Execute()
}
