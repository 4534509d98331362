package api

import (
	"io"
	"net/http"
)

// Health answers "ok" once ready reports true, 503 before.
func Health(ready func() bool) http.HandlerFunc {
	return func(writer http.ResponseWriter, req *http.Request) {
		if ready != nil && !ready() {
			writer.WriteHeader(http.StatusServiceUnavailable)
			io.WriteString(writer, "starting")
			return
		}
		io.WriteString(writer, "ok")
	}
}
