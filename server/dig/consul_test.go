package dig

import (
	"context"
	"encoding/json"
	"io/ioutil"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/Sunmxt/consul-watch/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeConsul serves /v1/health/service/<name> with a scripted index and entries.
type fakeConsul struct {
	lock    sync.Mutex
	index   uint64
	entries []map[string]interface{}
	raw     string
	status  int
	delay   time.Duration
	queries []url.Values
	paths   []string
	methods []string
	bodies  [][]byte
}

func (f *fakeConsul) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	f.lock.Lock()
	f.queries = append(f.queries, r.URL.Query())
	f.paths = append(f.paths, r.URL.Path)
	f.methods = append(f.methods, r.Method)
	body, _ := ioutil.ReadAll(r.Body)
	f.bodies = append(f.bodies, body)
	index, entries, raw, status, delay := f.index, f.entries, f.raw, f.status, f.delay
	f.lock.Unlock()

	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-r.Context().Done():
			return
		}
	}
	if status != 0 {
		w.WriteHeader(status)
		w.Write([]byte("No cluster leader"))
		return
	}
	if strings.HasPrefix(r.URL.Path, "/v1/agent/") {
		w.WriteHeader(http.StatusOK)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("X-Consul-Index", strconv.FormatUint(index, 10))
	w.Header().Set("X-Consul-LastContact", "0")
	w.Header().Set("X-Consul-KnownLeader", "true")
	if raw != "" {
		w.Write([]byte(raw))
		return
	}
	json.NewEncoder(w).Encode(entries)
}

func (f *fakeConsul) lastQuery() url.Values {
	f.lock.Lock()
	defer f.lock.Unlock()
	return f.queries[len(f.queries)-1]
}

func entry(node, nodeAddr, id, addr string, port int, tags []string, checks ...string) map[string]interface{} {
	checkList := make([]map[string]interface{}, 0, len(checks))
	for idx, status := range checks {
		checkList = append(checkList, map[string]interface{}{
			"CheckID": "check-" + strconv.Itoa(idx),
			"Status":  status,
		})
	}
	return map[string]interface{}{
		"Node": map[string]interface{}{
			"Node":    node,
			"Address": nodeAddr,
		},
		"Service": map[string]interface{}{
			"ID":      id,
			"Service": "web",
			"Address": addr,
			"Port":    port,
			"Tags":    tags,
		},
		"Checks": checkList,
	}
}

func newTestClient(t *testing.T, handler http.Handler, mutate func(cfg *config.Config)) (*ConsulClient, *httptest.Server) {
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)

	cfg, err := config.Parse([]byte("config:\n  address: " + server.URL + "\n  datacenter: dc1\n"))
	require.NoError(t, err)
	if mutate != nil {
		mutate(cfg)
	}
	client, err := NewConsulClient(cfg)
	require.NoError(t, err)
	return client, server
}

func TestConsulQueryEncodesFilters(t *testing.T) {
	fake := &fakeConsul{
		index: 42,
		entries: []map[string]interface{}{
			entry("n2", "10.0.0.2", "web-2", "", 8080, []string{"v1", "v1", "blue"}, "passing", "warning"),
			entry("n1", "10.0.0.1", "web-1", "192.168.0.1", 8080, []string{"v1"}, "passing"),
		},
	}
	client, _ := newTestClient(t, fake, nil)

	target := config.WatchTarget{ServiceName: "web", Tag: "v1", PassingOnly: true}
	snapshot, err := client.Query(context.Background(), target, 17, 5*time.Second)
	require.NoError(t, err)

	query := fake.lastQuery()
	assert.Equal(t, "/v1/health/service/web", fake.paths[0])
	assert.Equal(t, "17", query.Get("index"))
	assert.Equal(t, "5000ms", query.Get("wait"))
	assert.Equal(t, "v1", query.Get("tag"))
	assert.Equal(t, "1", query.Get("passing"))
	assert.Equal(t, "dc1", query.Get("dc"))

	assert.Equal(t, Index(42), snapshot.Index)
	require.Len(t, snapshot.Instances, 2)

	first, second := snapshot.Instances[0], snapshot.Instances[1]
	assert.Equal(t, "web-1", first.ID)
	assert.Equal(t, "192.168.0.1", first.Address)
	assert.Equal(t, HEALTH_PASSING, first.Status)

	assert.Equal(t, "web-2", second.ID)
	assert.Equal(t, "n2", second.Node)
	assert.Equal(t, "10.0.0.2", second.Address, "empty service address falls back to node address")
	assert.Equal(t, []string{"blue", "v1"}, second.Tags)
	assert.Equal(t, HEALTH_WARNING, second.Status)
}

func TestConsulQueryWithoutFilters(t *testing.T) {
	fake := &fakeConsul{index: 3}
	client, _ := newTestClient(t, fake, nil)

	snapshot, err := client.Query(context.Background(), config.WatchTarget{ServiceName: "web"}, 0, time.Second)
	require.NoError(t, err)

	query := fake.lastQuery()
	assert.Empty(t, query.Get("index"))
	assert.Empty(t, query.Get("tag"))
	assert.Empty(t, query.Get("passing"))
	assert.Equal(t, Index(3), snapshot.Index)
	assert.Empty(t, snapshot.Instances)
}

func TestConsulQueryMaintenance(t *testing.T) {
	fake := &fakeConsul{
		index: 1,
		entries: []map[string]interface{}{
			{
				"Node":    map[string]interface{}{"Node": "n1", "Address": "10.0.0.1"},
				"Service": map[string]interface{}{"ID": "web-1", "Service": "web", "Port": 80},
				"Checks": []map[string]interface{}{
					{"CheckID": "_node_maintenance", "Status": "critical"},
					{"CheckID": "serfHealth", "Status": "passing"},
				},
			},
		},
	}
	client, _ := newTestClient(t, fake, nil)

	snapshot, err := client.Query(context.Background(), config.WatchTarget{ServiceName: "web"}, 0, time.Second)
	require.NoError(t, err)
	require.Len(t, snapshot.Instances, 1)
	assert.Equal(t, HEALTH_MAINTENANCE, snapshot.Instances[0].Status)
}

func TestConsulQueryProtocolErrors(t *testing.T) {
	t.Run("malformed body", func(t *testing.T) {
		client, _ := newTestClient(t, &fakeConsul{index: 1, raw: "{not json"}, nil)
		_, err := client.Query(context.Background(), config.WatchTarget{ServiceName: "web"}, 0, time.Second)
		require.Error(t, err)
		assert.Equal(t, ERROR_PROTOCOL, ClientErrorKind(err))
	})

	t.Run("server error", func(t *testing.T) {
		client, _ := newTestClient(t, &fakeConsul{status: http.StatusInternalServerError}, nil)
		_, err := client.Query(context.Background(), config.WatchTarget{ServiceName: "web"}, 0, time.Second)
		require.Error(t, err)
		assert.Equal(t, ERROR_PROTOCOL, ClientErrorKind(err))
	})
}

func TestConsulQueryUnreachable(t *testing.T) {
	client, server := newTestClient(t, &fakeConsul{}, nil)
	server.Close()

	_, err := client.Query(context.Background(), config.WatchTarget{ServiceName: "web"}, 0, time.Second)
	require.Error(t, err)
	assert.Equal(t, ERROR_UNREACHABLE, ClientErrorKind(err))

	ce, ok := AsClientError(err)
	require.True(t, ok)
	assert.Equal(t, "web", ce.Service)
}

func TestConsulQueryTransportTimeout(t *testing.T) {
	client, _ := newTestClient(t, &fakeConsul{index: 1, delay: 2 * time.Second}, nil)
	client.Grace = 50 * time.Millisecond

	start := time.Now()
	_, err := client.Query(context.Background(), config.WatchTarget{ServiceName: "web"}, 1, 100*time.Millisecond)
	require.Error(t, err)
	assert.Equal(t, ERROR_TIMEOUT, ClientErrorKind(err))
	assert.Less(t, time.Since(start), time.Second)
}

func TestConsulQueryCancel(t *testing.T) {
	client, _ := newTestClient(t, &fakeConsul{index: 1, delay: 5 * time.Second}, nil)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(50 * time.Millisecond)
		cancel()
	}()
	_, err := client.Query(ctx, config.WatchTarget{ServiceName: "web"}, 1, time.Minute)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, ErrorKind(0), ClientErrorKind(err))
}

func TestConsulDriverRegistered(t *testing.T) {
	cfg, err := config.Parse([]byte("config:\n  address: http://127.0.0.1:8500\n"))
	require.NoError(t, err)

	client, err := Connect(DRIVER_CONSUL, cfg)
	require.NoError(t, err)
	_, ok := client.(*ConsulClient)
	assert.True(t, ok)

	_, err = Connect("zookeeper", cfg)
	assert.ErrorIs(t, err, ErrDriverMissing)
	_, err = Connect(DRIVER_CONSUL, nil)
	assert.ErrorIs(t, err, ErrInvalidArguments)

	assert.ErrorIs(t, RegisterDriver(DRIVER_CONSUL, ConnectorFunc(func(*config.Config) (Client, error) { return nil, nil })), ErrDriverExist)
	assert.ErrorIs(t, RegisterDriver("nil", nil), ErrInvalidConnector)
}

func TestTransportDeadline(t *testing.T) {
	client := &ConsulClient{Grace: time.Second}
	assert.Equal(t, 16*time.Second+time.Second+time.Second, client.TransportDeadline(16*time.Second))
}

func TestConsulRegister(t *testing.T) {
	fake := &fakeConsul{}
	client, _ := newTestClient(t, fake, func(cfg *config.Config) { cfg.Token = "secret" })

	reg := &config.Registration{
		ServiceName:           "consul-watch",
		ID:                    "consul-watch-12370",
		Port:                  12370,
		Tags:                  []string{"edge"},
		CheckHTTP:             "http://127.0.0.1:12370/healthz",
		CheckInterval:         10 * time.Second,
		CheckTimeout:          5 * time.Second,
		DeregisterAfter:       time.Minute,
		ReplaceExistingChecks: true,
	}
	require.NoError(t, client.Register(context.Background(), reg))

	fake.lock.Lock()
	assert.Equal(t, "/v1/agent/service/register", fake.paths[0])
	assert.Equal(t, http.MethodPut, fake.methods[0])
	assert.Equal(t, "true", fake.queries[0].Get("replace-existing-checks"))
	body := map[string]interface{}{}
	require.NoError(t, json.Unmarshal(fake.bodies[0], &body))
	fake.lock.Unlock()

	assert.Equal(t, "consul-watch-12370", body["ID"])
	assert.Equal(t, "consul-watch", body["Name"])
	assert.Equal(t, float64(12370), body["Port"])
	check := body["Check"].(map[string]interface{})
	assert.Equal(t, "http://127.0.0.1:12370/healthz", check["HTTP"])
	assert.Equal(t, "10s", check["Interval"])
	assert.Equal(t, "1m0s", check["DeregisterCriticalServiceAfter"])

	require.NoError(t, client.Deregister(context.Background(), "consul-watch-12370"))
	fake.lock.Lock()
	assert.Equal(t, "/v1/agent/service/deregister/consul-watch-12370", fake.paths[1])
	assert.Equal(t, http.MethodPut, fake.methods[1])
	fake.lock.Unlock()

	assert.ErrorIs(t, client.Register(context.Background(), nil), ErrInvalidArguments)
	assert.ErrorIs(t, client.Deregister(context.Background(), ""), ErrInvalidArguments)
}

func TestConsulRegisterFailures(t *testing.T) {
	client, _ := newTestClient(t, &fakeConsul{status: http.StatusForbidden}, nil)
	err := client.Register(context.Background(), &config.Registration{ServiceName: "consul-watch", ID: "a", Port: 1})
	require.Error(t, err)
	assert.Equal(t, ERROR_PROTOCOL, ClientErrorKind(err))

	client, server := newTestClient(t, &fakeConsul{}, nil)
	server.Close()
	err = client.Deregister(context.Background(), "a")
	assert.Equal(t, ERROR_UNREACHABLE, ClientErrorKind(err))
}
