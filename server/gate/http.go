package gate

import (
	"encoding/json"
	"net/http"
	"strconv"

	gmux "github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	guuid "github.com/satori/go.uuid"

	"github.com/Sunmxt/consul-watch/config"
	"github.com/Sunmxt/consul-watch/log"
	"github.com/Sunmxt/consul-watch/proto"
	"github.com/Sunmxt/consul-watch/server/gate/api"
	"github.com/Sunmxt/consul-watch/server/watch"
)

// API Request context
type APIRequestContext struct {
	Writer    http.ResponseWriter
	Req       *http.Request
	RequestID guuid.UUID

	Code        uint32
	CodeMessage string
	Data        map[string]interface{}
	ListData    []interface{}

	StatusCode int
	Debug      bool

	Log *log.Logger
}

func (g *Gate) NewAPIRequestContext(w http.ResponseWriter, req *http.Request) *APIRequestContext {
	ctx := &APIRequestContext{
		Writer:     w,
		Req:        req,
		RequestID:  guuid.NewV4(),
		Log:        log.NewLogger(),
		StatusCode: http.StatusOK,
		Debug:      g.options.DebugMode.Value,
	}
	ctx.Log.Fields["entity"] = "http"
	ctx.Log.Fields["request"] = ctx.RequestID.String()
	return ctx
}

func (ctx *APIRequestContext) Fail(status int, code uint32, message string) {
	ctx.StatusCode = status
	ctx.Code = code
	ctx.CodeMessage = message
	ctx.Data, ctx.ListData = nil, nil
}

func (ctx *APIRequestContext) ResponseWithList(list []interface{}) {
	ctx.Data = nil
	ctx.ListData = list
}

func (ctx *APIRequestContext) ResponseWithMap(mapping map[string]interface{}) {
	ctx.Data = mapping
	ctx.ListData = nil
}

func (ctx *APIRequestContext) Finalize() {
	var raw []byte
	var err error

	if ctx.Code == proto.INTERNAL_ERROR {
		ctx.Log.Error(ctx.CodeMessage)
		ctx.CodeMessage = WrapErrorMessage(ctx.CodeMessage, ctx.RequestID.String(), ctx.Debug)
	}
	if ctx.CodeMessage == "" {
		// Set default message.
		ctx.CodeMessage = proto.ErrorCodeText(ctx.Code)
	}

	if ctx.Data != nil {
		resp := proto.NewMapResponse(ctx.Code, ctx.Data)
		resp.ErrorMessage = ctx.CodeMessage
		raw, err = json.Marshal(resp)
	} else {
		resp := proto.NewListResponse(ctx.Code, ctx.ListData)
		resp.ErrorMessage = ctx.CodeMessage
		raw, err = json.Marshal(resp)
	}
	if err != nil {
		// Fallback to HTTP 500
		ctx.Log.Error("JSON marshal failure: " + err.Error())
		http.Error(ctx.Writer, WrapErrorMessage(err.Error(), ctx.RequestID.String(), ctx.Debug), http.StatusInternalServerError)
		return
	}

	ctx.Writer.Header().Set("Content-Type", "application/json")
	ctx.Writer.WriteHeader(ctx.StatusCode)
	if _, err = ctx.Writer.Write(raw); err != nil {
		ctx.Log.DebugLazy(func() string {
			return "Response writing failure: " + err.Error()
		})
	}
}

// targetFromRequest resolves the watched target named by path and query.
// When passing_only is absent the first watched target with same service
// name and tag is chosen.
func (g *Gate) targetFromRequest(ctx *APIRequestContext) (config.WatchTarget, bool) {
	if !g.Ready() {
		ctx.Fail(http.StatusServiceUnavailable, proto.INTERNAL_ERROR, ErrGateNotStarted.Error())
		return config.WatchTarget{}, false
	}
	name := gmux.Vars(ctx.Req)["service"]
	query := ctx.Req.URL.Query()
	tag := query.Get("tag")

	var passingOnly *bool
	if raw := query.Get("passing_only"); raw != "" {
		value, err := strconv.ParseBool(raw)
		if err != nil {
			ctx.Fail(http.StatusBadRequest, proto.INVALID_ARGUMENT, "Invalid passing_only: "+raw)
			return config.WatchTarget{}, false
		}
		passingOnly = &value
	}

	for _, status := range g.Registry.Targets() {
		target := status.Target
		if target.ServiceName != name || target.Tag != tag {
			continue
		}
		if passingOnly != nil && target.PassingOnly != *passingOnly {
			continue
		}
		return target, true
	}
	ctx.Fail(http.StatusNotFound, proto.TARGET_NOT_FOUND, "")
	return config.WatchTarget{}, false
}

func (g *Gate) ListTargets(w http.ResponseWriter, req *http.Request) {
	ctx := g.NewAPIRequestContext(w, req)
	defer ctx.Finalize()

	if !g.Ready() {
		ctx.Fail(http.StatusServiceUnavailable, proto.INTERNAL_ERROR, ErrGateNotStarted.Error())
		return
	}
	targets := g.Registry.Targets()
	list := make([]interface{}, 0, len(targets))
	for idx := range targets {
		list = append(list, proto.NewTargetStatus(&targets[idx]))
	}
	ctx.ResponseWithList(list)
}

func (g *Gate) ServiceSnapshot(w http.ResponseWriter, req *http.Request) {
	ctx := g.NewAPIRequestContext(w, req)
	defer ctx.Finalize()

	target, ok := g.targetFromRequest(ctx)
	if !ok {
		return
	}
	snapshot, ok, err := g.Registry.Snapshot(target)
	if err != nil {
		g.failRegistry(ctx, err)
		return
	}
	if !ok {
		ctx.Fail(http.StatusServiceUnavailable, proto.NO_SNAPSHOT, "")
		return
	}
	msg := proto.NewSnapshotMessage(target, snapshot)
	ctx.ResponseWithMap(map[string]interface{}{
		"target":    msg.Target,
		"index":     msg.Index,
		"instances": msg.Instances,
	})
}

func (g *Gate) ServiceAddress(w http.ResponseWriter, req *http.Request) {
	ctx := g.NewAPIRequestContext(w, req)
	defer ctx.Finalize()

	target, ok := g.targetFromRequest(ctx)
	if !ok {
		return
	}
	snapshot, ok, err := g.Registry.Snapshot(target)
	if err != nil {
		g.failRegistry(ctx, err)
		return
	}
	if !ok {
		ctx.Fail(http.StatusServiceUnavailable, proto.NO_SNAPSHOT, "")
		return
	}
	lb, err := g.Balancer(target)
	if err != nil {
		ctx.Fail(http.StatusInternalServerError, proto.INTERNAL_ERROR, err.Error())
		return
	}
	instance, err := lb.Select(&snapshot, req.URL.Query().Get("key"))
	if err != nil {
		ctx.Fail(http.StatusServiceUnavailable, proto.NO_INSTANCE, "")
		return
	}
	ctx.ResponseWithMap(map[string]interface{}{
		"address":  instance.Endpoint(),
		"instance": instance,
		"index":    uint64(snapshot.Index),
	})
}

func (g *Gate) failRegistry(ctx *APIRequestContext, err error) {
	switch {
	case watch.IsSubscriptionError(err):
		ctx.Fail(http.StatusNotFound, proto.TARGET_NOT_FOUND, "")
	case err == watch.ErrRegistryStopped:
		ctx.Fail(http.StatusServiceUnavailable, proto.INTERNAL_ERROR, err.Error())
	default:
		ctx.Fail(http.StatusInternalServerError, proto.INTERNAL_ERROR, err.Error())
	}
}

func (g *Gate) RegisterHTTPAPI(mux *gmux.Router) error {
	// Healthz
	g.log.Info0("Register HTTP health check at \"/healthz\"")
	mux.HandleFunc("/healthz", api.Health(g.Ready))

	g.log.Info0("Register HTTP endpoint \"/targets\"")
	mux.HandleFunc("/targets", g.ListTargets).Methods("GET")

	g.log.Info0("Register HTTP endpoint \"/services/{service}\"")
	mux.HandleFunc("/services/{service}", g.ServiceSnapshot).Methods("GET")
	mux.HandleFunc("/services/{service}/address", g.ServiceAddress).Methods("GET")
	mux.HandleFunc("/services/{service}/watch", g.WebsocketWatch).Methods("GET")

	g.log.Info0("Register metrics at \"/metrics\"")
	mux.Handle("/metrics", promhttp.Handler())
	return nil
}

func (g *Gate) NewHTTPAPIMux() http.Handler {
	mux := gmux.NewRouter()
	g.RegisterHTTPAPI(mux)
	return mux
}
