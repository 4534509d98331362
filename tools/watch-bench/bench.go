package main

import (
	"fmt"
)

func main() {
	fmt.Println("consul-watch benchmark tools.")
	config := parseConfigure()
	if config == nil {
		return
	}
	if config.TailMode {
		GoTail(config)
	} else {
		GoPull(config)
	}
}
