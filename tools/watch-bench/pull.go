package main

import (
	"encoding/json"
	"io/ioutil"
	"log"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/Sunmxt/consul-watch/proto"
)

func addressURL(config *BenchmarkConfigure, client, request uint) string {
	query := url.Values{}
	if config.Tag != "" {
		query.Set("tag", config.Tag)
	}
	if config.KeyPrefix != "" {
		query.Set("key", config.KeyPrefix+strconv.FormatUint(uint64(client), 10)+"-"+strconv.FormatUint(uint64(request), 10))
	}
	raw := "http://" + config.GateEndpoint.AuthorityString() + "/services/" + url.PathEscape(config.Service) + "/address"
	if len(query) > 0 {
		raw += "?" + query.Encode()
	}
	return raw
}

func fetchAddress(target string) (string, error) {
	resp, err := http.Get(target)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	body, err := ioutil.ReadAll(resp.Body)
	if err != nil {
		return "", err
	}
	result := proto.HTTPMapResponse{}
	if err = json.Unmarshal(body, &result); err != nil {
		return "", err
	}
	if result.Code != proto.SUCCEED {
		return "", &apiError{code: result.Code, message: result.ErrorMessage}
	}
	address, _ := result.Data["address"].(string)
	return address, nil
}

type apiError struct {
	code    uint32
	message string
}

func (e *apiError) Error() string {
	return "code " + strconv.FormatUint(uint64(e.code), 10) + ": " + e.message
}

func GoPull(config *BenchmarkConfigure) {
	log.Println("Work in pull mode.")

	var (
		lock     sync.Mutex
		wg       sync.WaitGroup
		failures uint
		hits     = make(map[string]uint)
	)

	start := time.Now()
	for i := uint(0); i < config.Concurrency; i++ {
		wg.Add(1)
		go func(client uint) {
			defer wg.Done()
			for j := uint(0); j < config.Request; j++ {
				address, err := fetchAddress(addressURL(config, client, j))
				lock.Lock()
				if err != nil {
					failures++
					if failures == 1 {
						log.Println("Request failure: " + err.Error())
					}
				} else {
					hits[address]++
				}
				lock.Unlock()
			}
		}(i)
	}
	wg.Wait()
	elapsed := time.Since(start)

	total := config.Concurrency * config.Request
	log.Printf("%v requests in %v (%.1f req/s), %v failed.", total, elapsed, float64(total)/elapsed.Seconds(), failures)

	addresses := make([]string, 0, len(hits))
	for address := range hits {
		addresses = append(addresses, address)
	}
	sort.Strings(addresses)
	for _, address := range addresses {
		log.Printf("\t%v: %v", address, hits[address])
	}
}
