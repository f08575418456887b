package main

import "github.com/ikeda042/ND2toVideo/cmd"

func main() {
	cmd.Execute()
}
