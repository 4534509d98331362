package main

import (
	"encoding/json"
	"log"
	"net/url"

	ws "github.com/gorilla/websocket"

	"github.com/Sunmxt/consul-watch/proto"
)

func GoTail(config *BenchmarkConfigure) {
	log.Println("Work in tail mode.")

	query := url.Values{}
	if config.Tag != "" {
		query.Set("tag", config.Tag)
	}
	target := url.URL{
		Scheme:   "ws",
		Host:     config.GateEndpoint.AuthorityString(),
		Path:     "/services/" + config.Service + "/watch",
		RawQuery: query.Encode(),
	}
	conn, _, err := ws.DefaultDialer.Dial(target.String(), nil)
	if err != nil {
		log.Fatalln("Websocket dial failure: " + err.Error())
		return
	}
	defer conn.Close()

	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			log.Println("Websocket closed: " + err.Error())
			return
		}
		msg := proto.ChangeMessage{}
		if err = json.Unmarshal(raw, &msg); err != nil {
			log.Println("Invalid message: " + err.Error())
			continue
		}
		addresses := make([]string, 0, len(msg.Instances))
		for idx := range msg.Instances {
			addresses = append(addresses, msg.Instances[idx].Endpoint()+"("+msg.Instances[idx].Status.String()+")")
		}
		log.Printf("%v index=%v previous=%v reset=%v instances=%v", msg.Target.Service, msg.Index, msg.PreviousIndex, msg.Reset, addresses)
	}
}
