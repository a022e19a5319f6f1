package cowatch

import "github.com/pion/webrtc/v4"

// MessageListener receives every application message from the remote peer.
type MessageListener interface {
	HandleMessage(payload string)
}

// StateListener receives every connection state transition. Failed and
// closed are terminal for the session; there is no automatic reconnect.
type StateListener interface {
	HandleStateChange(state webrtc.PeerConnectionState)
}

// MessageListenerFunc adapts a function to MessageListener.
type MessageListenerFunc func(payload string)

func (f MessageListenerFunc) HandleMessage(payload string) {
	if f != nil {
		f(payload)
	}
}

// StateListenerFunc adapts a function to StateListener.
type StateListenerFunc func(state webrtc.PeerConnectionState)

func (f StateListenerFunc) HandleStateChange(state webrtc.PeerConnectionState) {
	if f != nil {
		f(state)
	}
}
