package main

import (
	"github.com/Sunmxt/consul-watch/server/gate"
)

func main() {
	gate.Main()
}
