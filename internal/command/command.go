// Package command implements the RTMP command layer: the AMF0 command
// and data message language (connect, createStream, publish, play, ...)
// and the per-connection state machine that drives the exchanges.
package command

import (
	"github.com/AgustinSRG/mia-rtmp-server/internal/amf"
)

// Argument names for each known command, in the positional order the
// peer encodes them. Unknown commands fall back to generated names.
var commandArguments = map[string][]string{
	"connect":       {"cmdObj", "args"},
	"createStream":  {"cmdObj"},
	"releaseStream": {"cmdObj", "streamName"},
	"FCPublish":     {"cmdObj", "streamName"},
	"FCUnpublish":   {"cmdObj", "streamName"},
	"publish":       {"cmdObj", "streamName", "type"},
	"play":          {"cmdObj", "streamName", "start", "duration", "reset"},
	"pause":         {"cmdObj", "pause", "time"},
	"deleteStream":  {"cmdObj", "streamId"},
	"closeStream":   {"cmdObj"},
	"receiveAudio":  {"cmdObj", "bool"},
	"receiveVideo":  {"cmdObj", "bool"},
	"_result":       {"cmdObj", "info"},
	"_error":        {"cmdObj", "info"},
	"onStatus":      {"cmdObj", "info"},
}

// Command is one RTMP command message: a name, a transaction ID and the
// ordered arguments that follow them on the wire.
type Command struct {
	Name    string
	TransID float64

	args  []*amf.Value
	names []string
}

// NewCommand creates an outbound command with no arguments yet.
func NewCommand(name string, transID float64) *Command {
	return &Command{Name: name, TransID: transID}
}

// AppendArg adds the next positional argument under the given name.
func (c *Command) AppendArg(name string, v *amf.Value) {
	c.args = append(c.args, v)
	c.names = append(c.names, name)
}

// GetArg returns the named argument, or an Undefined value if absent.
func (c *Command) GetArg(name string) *amf.Value {
	for i, n := range c.names {
		if n == name {
			return c.args[i]
		}
	}
	return amf.Undefined()
}

// Encode serializes the command: name, transaction ID, then each
// argument in order.
func (c *Command) Encode() []byte {
	out := amf.Encode(amf.String(c.Name))
	out = append(out, amf.Encode(amf.Number(c.TransID))...)
	for _, a := range c.args {
		out = append(out, amf.Encode(a)...)
	}
	return out
}

// ToString renders the command for debug tracing.
func (c *Command) ToString() string {
	str := "COMMAND<" + c.Name + ">"
	for i, a := range c.args {
		str += "\n    " + c.names[i] + " = " + a.ToString("    ")
	}
	return str
}

// DecodeCommand parses an invoke payload into a Command, assigning
// argument names from the per-command table.
func DecodeCommand(payload []byte) *Command {
	s := amf.NewDecodingStream(payload)

	cmd := &Command{}
	if s.IsEnded() {
		return cmd
	}
	cmd.Name = s.ReadOne().GetString()
	if s.IsEnded() {
		return cmd
	}
	cmd.TransID = s.ReadOne().GetDouble()

	names := commandArguments[cmd.Name]
	for i := 0; !s.IsEnded(); i++ {
		name := "arg"
		if i < len(names) {
			name = names[i]
		}
		cmd.AppendArg(name, s.ReadOne())
	}

	return cmd
}

// Data is one RTMP data message (@setDataFrame, onMetaData, ...): a tag
// plus its ordered arguments.
type Data struct {
	Tag string

	args  []*amf.Value
	names []string
}

// Argument names for known data message tags.
var dataArguments = map[string][]string{
	"@setDataFrame":     {"method", "dataObj"},
	"onMetaData":        {"dataObj"},
	"|RtmpSampleAccess": {"bool1", "bool2"},
	"onFCPublish":       {"info"},
	"onFCUnpublish":     {"info"},
	"onStatus":          {"info"},
}

// NewData creates an outbound data message with no arguments yet.
func NewData(tag string) *Data {
	return &Data{Tag: tag}
}

// AppendArg adds the next positional argument under the given name.
func (d *Data) AppendArg(name string, v *amf.Value) {
	d.args = append(d.args, v)
	d.names = append(d.names, name)
}

// GetArg returns the named argument, or an Undefined value if absent.
func (d *Data) GetArg(name string) *amf.Value {
	for i, n := range d.names {
		if n == name {
			return d.args[i]
		}
	}
	return amf.Undefined()
}

// Encode serializes the data message: tag, then each argument in order.
func (d *Data) Encode() []byte {
	out := amf.Encode(amf.String(d.Tag))
	for _, a := range d.args {
		out = append(out, amf.Encode(a)...)
	}
	return out
}

// ToString renders the data message for debug tracing.
func (d *Data) ToString() string {
	str := "DATA<" + d.Tag + ">"
	for i, a := range d.args {
		str += "\n    " + d.names[i] + " = " + a.ToString("    ")
	}
	return str
}

// DecodeData parses a data message payload, assigning argument names
// from the per-tag table.
func DecodeData(payload []byte) *Data {
	s := amf.NewDecodingStream(payload)

	d := &Data{}
	if s.IsEnded() {
		return d
	}
	d.Tag = s.ReadOne().GetString()

	names := dataArguments[d.Tag]
	for i := 0; !s.IsEnded(); i++ {
		name := "arg"
		if i < len(names) {
			name = names[i]
		}
		d.AppendArg(name, s.ReadOne())
	}

	return d
}
