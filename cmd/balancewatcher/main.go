package main

import "balance-swing-alerts/internal/cli"

func main() {
	cli.Execute()
}
