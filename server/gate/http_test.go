package gate

import (
	"context"
	"encoding/json"
	"io/ioutil"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	ws "github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Sunmxt/consul-watch/config"
	"github.com/Sunmxt/consul-watch/proto"
	"github.com/Sunmxt/consul-watch/server/dig"
)

// feedClient answers each query with the next snapshot fed for the target.
type feedClient struct {
	lock  sync.Mutex
	feeds map[string]chan dig.ServiceSnapshot
}

func newFeedClient() *feedClient {
	return &feedClient{feeds: make(map[string]chan dig.ServiceSnapshot)}
}

func (c *feedClient) feed(target config.WatchTarget) chan dig.ServiceSnapshot {
	c.lock.Lock()
	defer c.lock.Unlock()
	ch, ok := c.feeds[target.Key()]
	if !ok {
		ch = make(chan dig.ServiceSnapshot, 16)
		c.feeds[target.Key()] = ch
	}
	return ch
}

func (c *feedClient) Query(ctx context.Context, target config.WatchTarget, since dig.Index, wait time.Duration) (dig.ServiceSnapshot, error) {
	select {
	case snapshot := <-c.feed(target):
		return snapshot, nil
	case <-ctx.Done():
		return dig.ServiceSnapshot{}, ctx.Err()
	}
}

var (
	web   = config.WatchTarget{ServiceName: "web", Balancer: config.BALANCER_ROUND_ROBIN}
	cache = config.WatchTarget{ServiceName: "cache", Tag: "v2", PassingOnly: true, Balancer: config.BALANCER_HASH}
)

func testConfig(targets ...config.WatchTarget) *config.Config {
	return &config.Config{
		Address:      &url.URL{Scheme: "http", Host: "127.0.0.1:8500"},
		WaitTime:     time.Second,
		RetryInitial: time.Millisecond,
		RetryMax:     time.Millisecond,
		Targets:      targets,
		RedisPrefix:  config.DEFAULT_REDIS_PREFIX,
	}
}

func startGate(t *testing.T, targets ...config.WatchTarget) (*Gate, *feedClient, *httptest.Server) {
	client := newFeedClient()
	options := NewGatewayOptions()
	options.Reload.Value = false

	g := New(options, config.NewHandle(testConfig(targets...)), client)
	require.NoError(t, g.Start(context.Background()))
	t.Cleanup(g.Stop)

	server := httptest.NewServer(g.NewHTTPAPIMux())
	t.Cleanup(server.Close)
	return g, client, server
}

func waitIndex(t *testing.T, g *Gate, target config.WatchTarget, index dig.Index) {
	require.Eventually(t, func() bool {
		snapshot, ok, err := g.Registry.Snapshot(target)
		return err == nil && ok && snapshot.Index == index
	}, 5*time.Second, time.Millisecond)
}

func getJSON(t *testing.T, url string, out interface{}) int {
	resp, err := http.Get(url)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, "application/json", resp.Header.Get("Content-Type"))
	body, err := ioutil.ReadAll(resp.Body)
	require.NoError(t, err)
	require.NoError(t, json.Unmarshal(body, out), string(body))
	return resp.StatusCode
}

func TestHealthz(t *testing.T) {
	_, _, server := startGate(t, web)
	resp, err := http.Get(server.URL + "/healthz")
	require.NoError(t, err)
	body, _ := ioutil.ReadAll(resp.Body)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "ok", string(body))

	idle := New(nil, config.NewHandle(testConfig(web)), newFeedClient())
	rec := httptest.NewRecorder()
	idle.NewHTTPAPIMux().ServeHTTP(rec, httptest.NewRequest("GET", "/healthz", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)

	rec = httptest.NewRecorder()
	idle.NewHTTPAPIMux().ServeHTTP(rec, httptest.NewRequest("GET", "/services/web", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestListTargets(t *testing.T) {
	g, client, server := startGate(t, web, cache)
	client.feed(web) <- instances(3, "a")
	waitIndex(t, g, web, 3)

	resp := proto.HTTPListResponse{}
	require.Equal(t, http.StatusOK, getJSON(t, server.URL+"/targets", &resp))
	assert.Equal(t, uint32(proto.SUCCEED), resp.Code)
	assert.Equal(t, uint32(proto.API_VERSION), resp.APIVersion)
	require.Len(t, resp.Data, 2)

	first := resp.Data[0].(map[string]interface{})
	second := resp.Data[1].(map[string]interface{})
	assert.Equal(t, "cache", first["target"].(map[string]interface{})["service"])
	assert.Equal(t, false, first["resolved"])
	assert.Equal(t, "web", second["target"].(map[string]interface{})["service"])
	assert.Equal(t, true, second["resolved"])
	assert.Equal(t, float64(3), second["index"])
	assert.Equal(t, "running", second["state"])
}

func TestServiceSnapshot(t *testing.T) {
	g, client, server := startGate(t, web, cache)

	resp := proto.HTTPMapResponse{}
	assert.Equal(t, http.StatusServiceUnavailable, getJSON(t, server.URL+"/services/web", &resp))
	assert.Equal(t, uint32(proto.NO_SNAPSHOT), resp.Code)

	client.feed(web) <- instances(7, "a", "b")
	waitIndex(t, g, web, 7)

	resp = proto.HTTPMapResponse{}
	require.Equal(t, http.StatusOK, getJSON(t, server.URL+"/services/web?passing_only=false", &resp))
	assert.Equal(t, float64(7), resp.Data["index"])
	assert.Len(t, resp.Data["instances"], 2)
	assert.Equal(t, "succeed.", resp.ErrorMessage)

	resp = proto.HTTPMapResponse{}
	assert.Equal(t, http.StatusNotFound, getJSON(t, server.URL+"/services/web?passing_only=true", &resp))
	assert.Equal(t, uint32(proto.TARGET_NOT_FOUND), resp.Code)

	resp = proto.HTTPMapResponse{}
	assert.Equal(t, http.StatusNotFound, getJSON(t, server.URL+"/services/cache", &resp))

	resp = proto.HTTPMapResponse{}
	assert.Equal(t, http.StatusBadRequest, getJSON(t, server.URL+"/services/web?passing_only=perhaps", &resp))
	assert.Equal(t, uint32(proto.INVALID_ARGUMENT), resp.Code)
}

func TestServiceAddress(t *testing.T) {
	g, client, server := startGate(t, web, cache)
	client.feed(web) <- instances(2, "a", "b")
	client.feed(cache) <- dig.NewSnapshot(4, nil)
	waitIndex(t, g, web, 2)
	waitIndex(t, g, cache, 4)

	var addresses []string
	for i := 0; i < 4; i++ {
		resp := proto.HTTPMapResponse{}
		require.Equal(t, http.StatusOK, getJSON(t, server.URL+"/services/web/address", &resp))
		addresses = append(addresses, resp.Data["address"].(string))
	}
	assert.Equal(t, []string{"10.0.0.1:80", "10.0.0.2:80", "10.0.0.1:80", "10.0.0.2:80"}, addresses)

	resp := proto.HTTPMapResponse{}
	assert.Equal(t, http.StatusServiceUnavailable, getJSON(t, server.URL+"/services/cache/address?tag=v2&key=u1", &resp))
	assert.Equal(t, uint32(proto.NO_INSTANCE), resp.Code)
}

func TestMetricsExposed(t *testing.T) {
	g, client, server := startGate(t, web)
	client.feed(web) <- instances(2, "a")
	waitIndex(t, g, web, 2)

	resp, err := http.Get(server.URL + "/metrics")
	require.NoError(t, err)
	body, _ := ioutil.ReadAll(resp.Body)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(body), "consul_watch_changes_total")
}

func dialWatch(t *testing.T, server *httptest.Server, path string) (*ws.Conn, *http.Response, error) {
	return ws.DefaultDialer.Dial("ws"+strings.TrimPrefix(server.URL, "http")+path, nil)
}

func readChange(t *testing.T, conn *ws.Conn) proto.ChangeMessage {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	_, raw, err := conn.ReadMessage()
	require.NoError(t, err)
	msg := proto.ChangeMessage{}
	require.NoError(t, json.Unmarshal(raw, &msg))
	return msg
}

func TestWebsocketWatch(t *testing.T) {
	g, client, server := startGate(t, web)
	client.feed(web) <- instances(1, "a")
	waitIndex(t, g, web, 1)

	conn, _, err := dialWatch(t, server, "/services/web/watch")
	require.NoError(t, err)
	defer conn.Close()

	first := readChange(t, conn)
	assert.Equal(t, uint64(1), first.Index)
	assert.Equal(t, "web", first.Target.Service)
	assert.Len(t, first.Instances, 1)

	client.feed(web) <- instances(2, "a", "b")
	second := readChange(t, conn)
	assert.Equal(t, uint64(2), second.Index)
	assert.Equal(t, uint64(1), second.PreviousIndex)
	assert.Len(t, second.Instances, 2)

	client.feed(web) <- instances(1, "b")
	reset := readChange(t, conn)
	assert.True(t, reset.Reset)
	assert.Equal(t, uint64(0), reset.PreviousIndex)

	require.Eventually(t, func() bool {
		status := g.Registry.Targets()
		return len(status) == 1 && status[0].Subscribers == 1
	}, 5*time.Second, time.Millisecond)
	conn.Close()
	require.Eventually(t, func() bool {
		return g.Registry.Targets()[0].Subscribers == 0
	}, 5*time.Second, time.Millisecond)
}

func TestWebsocketClosedOnStop(t *testing.T) {
	g, _, server := startGate(t, web)

	conn, _, err := dialWatch(t, server, "/services/web/watch")
	require.NoError(t, err)
	defer conn.Close()
	require.Eventually(t, func() bool { return g.Registry.Targets()[0].Subscribers == 1 }, 5*time.Second, time.Millisecond)

	g.Stop()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	_, _, err = conn.ReadMessage()
	assert.True(t, ws.IsCloseError(err, ws.CloseGoingAway), "%v", err)
}

func TestWebsocketUnknownTarget(t *testing.T) {
	_, _, server := startGate(t, web)
	_, resp, err := dialWatch(t, server, "/services/nothing/watch")
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestReloadReconcilesTargets(t *testing.T) {
	g, _, _ := startGate(t, web)

	lb, err := g.Balancer(web)
	require.NoError(t, err)
	assert.IsType(t, &RoundRobinBalancer{}, lb)

	random := web
	random.Balancer = config.BALANCER_RANDOM
	reload := func(cfg *config.Config) {
		old, err := g.config.Store(cfg)
		require.NoError(t, err)
		g.onReload(old, cfg)
	}
	reload(testConfig(random, cache))

	assert.Len(t, g.Registry.Targets(), 2)
	// Running target still carries the old balancer name.
	lb, err = g.Balancer(web)
	require.NoError(t, err)
	assert.IsType(t, &RandomBalancer{}, lb)

	reload(testConfig(cache))
	targets := g.Registry.Targets()
	require.Len(t, targets, 1)
	assert.Equal(t, cache.Key(), targets[0].Target.Key())
}

type registeringClient struct {
	*feedClient

	lock         sync.Mutex
	registered   []config.Registration
	deregistered []string
	fail         error
}

func (c *registeringClient) Register(ctx context.Context, reg *config.Registration) error {
	c.lock.Lock()
	defer c.lock.Unlock()
	if c.fail != nil {
		return c.fail
	}
	c.registered = append(c.registered, *reg)
	return nil
}

func (c *registeringClient) Deregister(ctx context.Context, serviceID string) error {
	c.lock.Lock()
	defer c.lock.Unlock()
	c.deregistered = append(c.deregistered, serviceID)
	return nil
}

func TestSelfRegistration(t *testing.T) {
	cfg := testConfig(web)
	cfg.Register = &config.Registration{ServiceName: "consul-watch", ID: "consul-watch-12370", Port: 12370}
	client := &registeringClient{feedClient: newFeedClient()}
	options := NewGatewayOptions()
	options.Reload.Value = false

	g := New(options, config.NewHandle(cfg), client)
	require.NoError(t, g.Start(context.Background()))
	require.Len(t, client.registered, 1)
	assert.Equal(t, "consul-watch-12370", client.registered[0].ID)

	g.Stop()
	g.Stop()
	assert.Equal(t, []string{"consul-watch-12370"}, client.deregistered)
}

func TestSelfRegistrationFailureKeepsWatching(t *testing.T) {
	cfg := testConfig(web)
	cfg.Register = &config.Registration{ServiceName: "consul-watch", ID: "consul-watch-12370", Port: 12370}
	client := &registeringClient{
		feedClient: newFeedClient(),
		fail:       &dig.ClientError{Kind: dig.ERROR_UNREACHABLE, Service: "consul-watch"},
	}
	options := NewGatewayOptions()
	options.Reload.Value = false

	g := New(options, config.NewHandle(cfg), client)
	require.NoError(t, g.Start(context.Background()))
	defer g.Stop()
	assert.True(t, g.Ready())

	client.feed(web) <- instances(1, "a")
	waitIndex(t, g, web, 1)
	g.Stop()
	assert.Empty(t, client.deregistered)

	// Clients without registration support are skipped.
	plain := New(options, config.NewHandle(cfg), newFeedClient())
	require.NoError(t, plain.Start(context.Background()))
	plain.Stop()
}
