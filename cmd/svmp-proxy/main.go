package main

import "github.com/svmp/svmp-proxy/cmd/svmp-proxy/cmd"

func main() {
	cmd.Execute()
}
