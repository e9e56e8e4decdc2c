package main

import (
	"os"

	"github.com/kirychukyurii/vpn-node-balancer/cmd/node-balancer/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
