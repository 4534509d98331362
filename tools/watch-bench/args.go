package main

import (
	"flag"
	"log"

	"github.com/Sunmxt/consul-watch/utils/cmdline"
)

type BenchmarkConfigure struct {
	TailMode     bool
	Concurrency  uint
	Request      uint
	Service      string
	Tag          string
	KeyPrefix    string
	GateEndpoint *cmdline.NetEndpointValue
}

func parseConfigure() *BenchmarkConfigure {
	config := &BenchmarkConfigure{}

	gateEndpoint, err := cmdline.NewNetEndpointValueDefault([]string{"tcp", "http"}, "127.0.0.1:12370")
	if err != nil {
		log.Panicln(err.Error())
		return nil
	}
	config.GateEndpoint = gateEndpoint

	flag.BoolVar(&config.TailMode, "tail", false, "Tail change events over websocket instead of pulling addresses.")
	flag.UintVar(&config.Concurrency, "concurrency", 1, "Number of concurrent clients in pull mode.")
	flag.UintVar(&config.Request, "request", 1, "Number of address requests per client.")
	flag.StringVar(&config.Service, "service", "", "Service name.")
	flag.StringVar(&config.Tag, "tag", "", "Service tag.")
	flag.StringVar(&config.KeyPrefix, "key-prefix", "", "Key prefix for hash balancers. Empty to send no key.")
	flag.Var(config.GateEndpoint, "gate", "consul-watch endpoint.")

	flag.Parse()

	if config.Service == "" {
		log.Println("Service should be specified. (See \"-service\")")
		return nil
	}
	if fl := flag.Lookup("concurrency"); fl != nil {
		v := fl.Value.String()
		if v == "" || v == "0" {
			log.Println("Concurrency is too small. set to 1.")
			fl.Value.Set("1")
		}
	}

	log.Println("Configure:")
	flag.VisitAll(func(fl *flag.Flag) {
		log.Println("\t-" + fl.Name + "=" + fl.Value.String())
	})

	return config
}
