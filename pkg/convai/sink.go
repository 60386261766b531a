package convai

// EventSink receives everything a Client observes on the conversation socket.
// Methods are invoked from the listen goroutine in receive order, except
// OnConnected (from Connect) and OnDisconnected (from whichever of Listen or
// Disconnect observes the close first). Implementations must not block for
// long.
type EventSink interface {
	OnConnected()
	OnDisconnected()
	OnConversationStarted(conversationID string)
	OnUserTranscript(text string)
	OnAgentResponse(text string)
	OnAudio(audio []byte)
	OnError(message string)
}

// NopSink discards every event.
type NopSink struct{}

func (NopSink) OnConnected()                 {}
func (NopSink) OnDisconnected()              {}
func (NopSink) OnConversationStarted(string) {}
func (NopSink) OnUserTranscript(string)      {}
func (NopSink) OnAgentResponse(string)       {}
func (NopSink) OnAudio([]byte)               {}
func (NopSink) OnError(string)               {}
