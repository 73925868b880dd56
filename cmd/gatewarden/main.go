package main

import "github.com/jmcleod/gatewarden/cmd/gatewarden/cmd"

func main() {
	cmd.Execute()
}
