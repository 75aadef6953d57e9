package main

import "github.com/shipyardhq/sma/cmd"

func main() {
	cmd.Execute()
}
