package hub

import "net/http"

// Routes served by the hub.
const (
	PathEntry   = "/v1/entry"
	PathWatch   = "/v1/watch"
	PathHealth  = "/healthz"
	PathMetrics = "/metrics"
)

// HeaderSource names the writer of a PUT. Watchers registered under the
// same source do not receive the resulting change frame.
const HeaderSource = "X-Localstore-Source"

// Frame types on the watch stream.
const (
	FrameReady  = "ready"
	FrameChange = "change"
)

// Frame is a JSON text message on the watch stream.
type Frame struct {
	Type     string `json:"type"`
	Key      string `json:"key,omitempty"`
	OldValue string `json:"oldValue,omitempty"`
	NewValue string `json:"newValue,omitempty"`
	Source   string `json:"source,omitempty"`
}

// ErrorBody is the JSON body of a failed hub request.
type ErrorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func sourceOf(r *http.Request) string {
	if source := r.Header.Get(HeaderSource); source != "" {
		return source
	}
	return r.URL.Query().Get("source")
}
