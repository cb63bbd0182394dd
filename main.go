package main

import "arb-alerts/internal/cli"

func main() {
	cli.Execute()
}
