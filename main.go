package main

import "order-settlement-engine/internal/cli"

func main() {
	cli.Execute()
}
