package main

import "identityrecon/internal/cli"

func main() {
	cli.Execute()
}
