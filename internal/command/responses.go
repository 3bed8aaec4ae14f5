package command

import (
	"github.com/AgustinSRG/mia-rtmp-server/internal/amf"
)

// ServerVersion is announced in the connect response's data object.
const ServerVersion = "1.0.0"

// respondConnect emits the _result for an accepted connect.
func (m *Machine) respondConnect(transID float64, hasObjectEncoding bool) {
	res := NewCommand("_result", transID)

	cmdObj := amf.Object()
	cmdObj.Set("fmsVer", amf.String(FMSVersion))
	cmdObj.Set("capabilities", amf.Integer(Capabilities))
	cmdObj.Set("mode", amf.Integer(ServerMode))
	res.AppendArg("cmdObj", cmdObj)

	info := amf.Object()
	info.Set("level", amf.String("status"))
	info.Set("code", amf.String("NetConnection.Connect.Success"))
	info.Set("description", amf.String("Connection succeeded."))
	if hasObjectEncoding {
		info.Set("objectEncoding", amf.Integer(int64(m.req.ObjectEncoding)))
	} else {
		info.Set("objectEncoding", amf.Undefined())
	}

	data := amf.New(amf.TypeArray)
	data.Set("version", amf.String(ServerVersion))
	info.Set("data", data)

	res.AppendArg("info", info)

	m.sender.Send(InvokeMessage(0, res))
}

// sendOnBWDone emits the onBWDone call that follows a connect _result.
func (m *Machine) sendOnBWDone() {
	cmd := NewCommand("onBWDone", 0)
	cmd.AppendArg("cmdObj", amf.Null())
	m.sender.Send(InvokeMessage(0, cmd))
}

// sendRejectedRedirect emits the NetConnection.Connect.Rejected status
// with the 302 redirect payload.
func (m *Machine) sendRejectedRedirect(transID float64, redirect *RedirectError) {
	cmd := NewCommand("onStatus", transID)
	cmd.AppendArg("cmdObj", amf.Null())

	info := amf.Object()
	info.Set("level", amf.String("error"))
	info.Set("code", amf.String("NetConnection.Connect.Rejected"))
	info.Set("description", amf.String("Connection rejected, please redirect."))

	ex := amf.Object()
	ex.Set("code", amf.Integer(302))
	ex.Set("redirect", amf.String(redirect.RedirectURL))
	ex.Set("redirect2", amf.String(redirect.FullURL))
	info.Set("ex", ex)

	cmd.AppendArg("info", info)

	m.sender.Send(InvokeMessage(0, cmd))
}

// SendStatusMessage emits an onStatus call with the given level, code
// and description on the given stream.
func (m *Machine) SendStatusMessage(streamID uint32, level string, code string, description string) {
	cmd := NewCommand("onStatus", 0)
	cmd.AppendArg("cmdObj", amf.Null())

	info := amf.Object()
	info.Set("level", amf.String(level))
	info.Set("code", amf.String(code))
	if description != "" {
		info.Set("description", amf.String(description))
	}
	cmd.AppendArg("info", info)

	m.sender.Send(InvokeMessage(streamID, cmd))
}

// sendSampleAccess emits the |RtmpSampleAccess data message granting
// the player sample access.
func (m *Machine) sendSampleAccess(streamID uint32) {
	data := NewData("|RtmpSampleAccess")
	data.AppendArg("bool1", amf.Bool(true))
	data.AppendArg("bool2", amf.Bool(true))
	m.sender.Send(DataMessage(streamID, data))
}

// sendDataStart emits the onStatus(NetStream.Data.Start) data message
// that closes the play response sequence.
func (m *Machine) sendDataStart(streamID uint32) {
	data := NewData("onStatus")
	info := amf.Object()
	info.Set("code", amf.String("NetStream.Data.Start"))
	data.AppendArg("info", info)
	m.sender.Send(DataMessage(streamID, data))
}

// sendOnFCPublish emits the onFCPublish call that precedes the publish
// start status.
func (m *Machine) sendOnFCPublish(streamID uint32) {
	cmd := NewCommand("onFCPublish", 0)
	cmd.AppendArg("cmdObj", amf.Null())

	info := amf.Object()
	info.Set("code", amf.String("NetStream.Publish.Start"))
	info.Set("description", amf.String("Started publishing stream."))
	cmd.AppendArg("info", info)

	m.sender.Send(InvokeMessage(streamID, cmd))
}

// sendOnFCUnpublish emits the onFCUnpublish call that precedes the
// unpublish success status.
func (m *Machine) sendOnFCUnpublish(streamID uint32) {
	cmd := NewCommand("onFCUnpublish", 0)
	cmd.AppendArg("cmdObj", amf.Null())

	info := amf.Object()
	info.Set("code", amf.String("NetStream.Unpublish.Success"))
	info.Set("description", amf.String("Stopped publishing stream."))
	cmd.AppendArg("info", info)

	m.sender.Send(InvokeMessage(streamID, cmd))
}
