package command

import (
	"strconv"
	"strings"
)

// DefaultVhost is the vhost assumed when the connect URL carries none.
const DefaultVhost = "__defaultVhost__"

// Request is the parsed connect-phase identity of a connection: schema,
// host, vhost, app and (once publish/play names it) stream. Connect
// fills in everything but the stream; publish/play later set Stream and
// merge any stream query parameters into Params through SetStream.
type Request struct {
	Schema  string
	Host    string
	Port    int
	Vhost   string
	App     string
	Stream  string
	TcURL   string
	PageURL string
	SwfURL  string

	Params map[string]string

	ObjectEncoding uint32
}

func defaultPort(schema string) int {
	switch schema {
	case "http":
		return 80
	case "https":
		return 443
	default:
		return 1935
	}
}

// trimName strips whitespace and leading/trailing slashes from an app
// or stream component.
func trimName(s string) string {
	return strings.TrimSpace(strings.Trim(strings.TrimSpace(s), "/"))
}

// parseParams splits a query string of k=v pairs separated by & or ;
// (FMLE emits the latter).
func parseParams(query string) map[string]string {
	params := make(map[string]string)
	for _, part := range strings.FieldsFunc(query, func(r rune) bool {
		return r == '&' || r == ';'
	}) {
		kv := strings.SplitN(part, "=", 2)
		if len(kv) == 2 {
			params[kv[0]] = kv[1]
		} else if kv[0] != "" {
			params[kv[0]] = ""
		}
	}
	return params
}

// ParseTcURL parses a connect tcUrl of the form
// schema://host[:port]/app[?params] into a Request. The vhost defaults
// to the host and may be overridden by a query parameter named vhost.
func ParseTcURL(tcURL string) *Request {
	req := &Request{
		TcURL:  tcURL,
		Params: make(map[string]string),
	}

	rest := tcURL
	if idx := strings.Index(rest, "://"); idx >= 0 {
		req.Schema = rest[:idx]
		rest = rest[idx+3:]
	} else {
		req.Schema = "rtmp"
	}

	var hostPort string
	if idx := strings.Index(rest, "/"); idx >= 0 {
		hostPort = rest[:idx]
		rest = rest[idx+1:]
	} else {
		hostPort = rest
		rest = ""
	}

	req.Port = defaultPort(req.Schema)
	if idx := strings.LastIndex(hostPort, ":"); idx >= 0 {
		req.Host = hostPort[:idx]
		if p, err := strconv.Atoi(hostPort[idx+1:]); err == nil {
			req.Port = p
		}
	} else {
		req.Host = hostPort
	}

	app := rest
	if idx := strings.Index(app, "?"); idx >= 0 {
		req.Params = parseParams(app[idx+1:])
		app = app[:idx]
	}
	req.App = trimName(app)

	req.Vhost = req.Host
	if v, ok := req.Params["vhost"]; ok && v != "" {
		req.Vhost = v
	}
	if req.Vhost == "" {
		req.Vhost = DefaultVhost
	}

	return req
}

// SetStream records the stream name from publish/play, stripping any
// trailing query parameters into the request's parameter set.
func (r *Request) SetStream(streamName string) {
	if idx := strings.Index(streamName, "?"); idx >= 0 {
		for k, v := range parseParams(streamName[idx+1:]) {
			r.Params[k] = v
		}
		streamName = streamName[:idx]
	}
	r.Stream = trimName(streamName)
}

// StreamURL is the registry key for this request's stream: vhost, app
// and stream joined by slashes, with the vhost elided when it is the
// default.
func (r *Request) StreamURL() string {
	if r.Vhost == "" || r.Vhost == DefaultVhost {
		return r.App + "/" + r.Stream
	}
	return r.Vhost + "/" + r.App + "/" + r.Stream
}
