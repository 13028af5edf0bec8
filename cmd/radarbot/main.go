package main

import "radar-chart-bot/internal/cli"

func main() {
	cli.Execute()
}
