package command

import (
	"testing"

	"github.com/AgustinSRG/mia-rtmp-server/internal/amf"
)

func TestParseTcURL(t *testing.T) {
	cases := []struct {
		tcURL  string
		schema string
		host   string
		port   int
		vhost  string
		app    string
	}{
		{"rtmp://127.0.0.1/live", "rtmp", "127.0.0.1", 1935, "127.0.0.1", "live"},
		{"rtmp://example.com:19350/app", "rtmp", "example.com", 19350, "example.com", "app"},
		{"rtmp://example.com/live?vhost=other.com", "rtmp", "example.com", 1935, "other.com", "live"},
		{"http://example.com/live", "http", "example.com", 80, "example.com", "live"},
		{"https://example.com/live", "https", "example.com", 443, "example.com", "live"},
		{"rtmp://example.com/ live /", "rtmp", "example.com", 1935, "example.com", "live"},
	}

	for _, c := range cases {
		req := ParseTcURL(c.tcURL)
		if req.Schema != c.schema {
			t.Errorf("%s: Schema = %q, want %q", c.tcURL, req.Schema, c.schema)
		}
		if req.Host != c.host {
			t.Errorf("%s: Host = %q, want %q", c.tcURL, req.Host, c.host)
		}
		if req.Port != c.port {
			t.Errorf("%s: Port = %d, want %d", c.tcURL, req.Port, c.port)
		}
		if req.Vhost != c.vhost {
			t.Errorf("%s: Vhost = %q, want %q", c.tcURL, req.Vhost, c.vhost)
		}
		if req.App != c.app {
			t.Errorf("%s: App = %q, want %q", c.tcURL, req.App, c.app)
		}
	}
}

func TestStreamURL(t *testing.T) {
	req := ParseTcURL("rtmp://example.com/live?vhost=vh.com")
	req.SetStream("stream1")
	if got := req.StreamURL(); got != "vh.com/live/stream1" {
		t.Fatalf("StreamURL() = %q, want vh.com/live/stream1", got)
	}

	req = ParseTcURL("rtmp://example.com/live")
	req.SetStream("stream1?cache=no")
	if got := req.StreamURL(); got != "example.com/live/stream1" {
		t.Fatalf("StreamURL() = %q, want example.com/live/stream1", got)
	}
	if req.Params["cache"] != "no" {
		t.Fatalf("Params[cache] = %q, want no", req.Params["cache"])
	}
}

func TestCommandRoundTrip(t *testing.T) {
	cmd := NewCommand("publish", 5)
	cmd.AppendArg("cmdObj", amf.Null())
	cmd.AppendArg("streamName", amf.String("livestream"))
	cmd.AppendArg("type", amf.String("live"))

	decoded := DecodeCommand(cmd.Encode())

	if decoded.Name != "publish" {
		t.Fatalf("Name = %q, want publish", decoded.Name)
	}
	if decoded.TransID != 5 {
		t.Fatalf("TransID = %f, want 5", decoded.TransID)
	}
	if got := decoded.GetArg("streamName").GetString(); got != "livestream" {
		t.Fatalf("streamName = %q, want livestream", got)
	}
	if got := decoded.GetArg("type").GetString(); got != "live" {
		t.Fatalf("type = %q, want live", got)
	}
}
