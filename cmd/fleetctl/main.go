package main

import "github.com/worldland/gpu-fleet/internal/cli"

func main() {
	cli.Execute()
}
