package gate

import (
	"encoding/json"
	"net/http"
	"time"

	ws "github.com/gorilla/websocket"

	"github.com/Sunmxt/consul-watch/proto"
	"github.com/Sunmxt/consul-watch/server/dig"
	"github.com/Sunmxt/consul-watch/server/watch"
)

const (
	WEBSOCKET_WRITE_TIMEOUT = 10 * time.Second
	WEBSOCKET_PING_PERIOD   = 30 * time.Second
)

var upgrader = ws.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
}

func wsWriteMessage(conn *ws.Conn, msg *proto.ChangeMessage) error {
	bin, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	conn.SetWriteDeadline(time.Now().Add(WEBSOCKET_WRITE_TIMEOUT))
	return conn.WriteMessage(ws.TextMessage, bin)
}

// coveredBySnapshot reports whether an event queued before the snapshot was
// read is already reflected by it. A reset lowers the index, so only the reset
// that produced the snapshot itself is covered.
func coveredBySnapshot(event *watch.ChangeEvent, covered dig.Index) bool {
	if event.Reset {
		return event.Current.Index == covered
	}
	return event.Current.Index <= covered
}

// WebsocketWatch streams change messages of a target. The current snapshot,
// if any, goes first.
func (g *Gate) WebsocketWatch(w http.ResponseWriter, r *http.Request) {
	ctx := g.NewAPIRequestContext(w, r)
	target, ok := g.targetFromRequest(ctx)
	if !ok {
		ctx.Finalize()
		return
	}
	// Subscribe before reading the snapshot so no change falls in between.
	sub, err := g.Registry.Subscribe(target)
	if err != nil {
		g.failRegistry(ctx, err)
		ctx.Finalize()
		return
	}
	defer sub.Close()

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		ctx.Log.Info2("Websocket upgrade failure: " + err.Error())
		return
	}
	defer conn.Close()
	ctx.Log.Info2("Websocket watching " + target.String() + ".")

	var covered dig.Index
	skipCovered := false
	if snapshot, ok, _ := g.Registry.Snapshot(target); ok {
		if err = wsWriteMessage(conn, proto.NewSnapshotMessage(target, snapshot)); err != nil {
			ctx.Log.Info2("Websocket write failure: " + err.Error())
			return
		}
		covered, skipCovered = snapshot.Index, true
	}

	closed := make(chan struct{})
	go func() {
		defer close(closed)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ticker := time.NewTicker(WEBSOCKET_PING_PERIOD)
	defer ticker.Stop()
	for {
		select {
		case event, ok := <-sub.C():
			if !ok {
				conn.WriteControl(ws.CloseMessage, ws.FormatCloseMessage(ws.CloseGoingAway, "watch stopped"), time.Now().Add(WEBSOCKET_WRITE_TIMEOUT))
				return
			}
			if skipCovered && coveredBySnapshot(&event, covered) {
				continue
			}
			skipCovered = false
			if err = wsWriteMessage(conn, proto.NewChangeMessage(&event)); err != nil {
				ctx.Log.Info2("Websocket write failure: " + err.Error())
				return
			}

		case <-ticker.C:
			if err = conn.WriteControl(ws.PingMessage, nil, time.Now().Add(WEBSOCKET_WRITE_TIMEOUT)); err != nil {
				return
			}

		case <-closed:
			ctx.Log.Info2("Websocket closed by peer.")
			return
		}
	}
}
