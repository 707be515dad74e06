package protocol

// Frame header.
const TagBinary = "BINARY"

// Presence and direct messages.
const (
	TagStatusOnline   = "STATUS_ONLINE"
	TagStatusOffline  = "STATUS_OFFLINE"
	TagStatusRequest  = "STATUS_REQUEST"
	TagStatusResponse = "STATUS_RESPONSE"
	TagStatusUpdate   = "STATUS_UPDATE"
	TagDirectMessage  = "DIRECT_MESSAGE"
	TagEditMessage    = "EDIT_MESSAGE"
	TagDeleteMessage  = "DELETE_MESSAGE"
	TagGroupExclusion = "GROUP_EXCLUSION"
	TagGroupExcluded  = "GROUP_EXCLUDED"
)

// One-to-one calls.
const (
	TagCallSignal = "CALL_SIGNAL"
	TagCallMute   = "CALL_MUTE"

	SignalIncomingCall = "incoming_call"
	SignalCallAccepted = "call_accepted"
	SignalCallRejected = "call_rejected"
	SignalCallEnded    = "call_ended"
)

// Group chat channel.
const (
	TagGroupAuth           = "GROUP_AUTH"
	TagGroupAuthSuccess    = "GROUP_AUTH_SUCCESS"
	TagGroupJoin           = "GROUP_JOIN"
	TagGroupJoined         = "GROUP_JOINED"
	TagGroupLeave          = "GROUP_LEAVE"
	TagGroupLeft           = "GROUP_LEFT"
	TagGroupMessage        = "GROUP_MESSAGE"
	TagGroupEditMessage    = "GROUP_EDIT_MESSAGE"
	TagGroupDeleteMessage  = "GROUP_DELETE_MESSAGE"
	TagGroupMessageEdited  = "GROUP_MESSAGE_EDITED"
	TagGroupMessageDeleted = "GROUP_MESSAGE_DELETED"
)

// Group calls.
const (
	TagGroupCallAuth        = "GROUP_CALL_AUTH"
	TagGroupCallAuthSuccess = "GROUP_CALL_AUTH_SUCCESS"
	TagGroupCallJoin        = "GROUP_CALL_JOIN"
	TagGroupCallJoined      = "GROUP_CALL_JOINED"
	TagGroupCallLeave       = "GROUP_CALL_LEAVE"
	TagGroupCallLeft        = "GROUP_CALL_LEFT"
	TagGroupCallStatus      = "GROUP_CALL_STATUS"
	TagGroupCallSignal      = "GROUP_CALL_SIGNAL"

	GroupCallStart = "start"
	GroupCallJoin  = "join"
	GroupCallLeave = "leave"
	GroupCallEnd   = "end"

	GroupCallActive   = "active"
	GroupCallInactive = "inactive"
)

// Screen sharing.
const (
	TagScreenAuth           = "SCREEN_AUTH"
	TagScreenControl        = "SCREEN_CONTROL"
	TagScreenDataStart      = "SCREEN_DATA_START"
	TagScreenDataChunk      = "SCREEN_DATA_CHUNK"
	TagScreenDataEnd        = "SCREEN_DATA_END"
	TagScreenDataAbort      = "SCREEN_DATA_ABORT"
	TagGroupScreenDataStart = "GROUP_SCREEN_DATA_START"
	TagGroupScreenDataChunk = "GROUP_SCREEN_DATA_CHUNK"
	TagGroupScreenDataEnd   = "GROUP_SCREEN_DATA_END"
	TagGroupScreenDataAbort = "GROUP_SCREEN_DATA_ABORT"
	TagGroupScreenControl   = "GROUP_SCREEN_CONTROL"
	TagGroupScreenSignal    = "GROUP_SCREEN_SIGNAL"
)

// File transfer.
const (
	TagFileTransfer      = "FILE_TRANSFER"
	TagGroupFileTransfer = "GROUP_FILE_TRANSFER"

	TransferStart = "START"
	TransferChunk = "CHUNK"
	TransferEnd   = "END"
	TransferAbort = "ABORT"
)

// Presence values carried in STATUS_* lines.
const (
	StatusOnline  = "online"
	StatusOffline = "offline"
)

// SystemPrefix starts every human-readable server notice.
const SystemPrefix = "System: "

// Notice builds a system notice line.
func Notice(text string) Frame {
	return Text(SystemPrefix + text)
}
