// Package events defines the socket event contract between the client and
// the signaling server: event names, one payload type per inbound event, and
// the outbound payload shapes.
package events

// Outbound chat events.
const (
	SendMessage = "send:message"
	MessageSeen = "message:seen"
	MessageEdit = "message:edit"
	UnsendMsg   = "unsend:message"
	ClearChat   = "clear:chat"
	TypingStart = "typing:start"
	TypingStop  = "typing:stop"
	GetOnline   = "user:get_online_users"
	Heartbeat   = "user:heartbeat"
	CallStart   = "call:start"
	CallAccept  = "call:accept"
	CallReject  = "call:reject"
	CallCancel  = "call:cancel"
	CallEnd     = "call:end"
	CallBusy    = "call:busy"
	RTCCreate   = "rtc:create-transport"
	RTCConnect  = "rtc:connect-transport"
	RTCProduce  = "rtc:produce"
	RTCConsume  = "rtc:consume"
	RTCKeyframe = "rtc:request-keyframe"
	RTCJoin     = "rtc:join"
	RTCLeave    = "rtc:leave"
)

// Inbound events.
const (
	NewMessage         = "chat:new_message"
	MessageSent        = "message:sent"
	MessageSeenSuccess = "message:seen:success"
	MessageEdited      = "message:edited"
	MessageUnsent      = "message:unsent"
	ClearChatSuccess   = "clear:chat:success"
	TypingUpdate       = "typing:update"
	RoomUpdate         = "room:update"
	UserStatusUpdate   = "user:status:update"
	CallIncoming       = "call:incoming"
	CallAccepted       = "call:accepted"
	CallRejected       = "call:rejected"
	CallCancelled      = "call:cancelled"
	CallEnded          = "call:ended"
	RouterCapabilities = "rtc:router-capabilities"
	NewProducer        = "rtc:new-producer"
)

// Ack is the frame name the server uses to answer an EmitWithAck request.
const Ack = "ack"
