package bus

// Relay event topics. These are also the wire-level "type" values the
// websocket layer sends to viewers, so they must stay stable.
const (
	TopicConversationCreated = "conversation_created"
	TopicNewMessage          = "new_message"
	TopicTaskUpdated         = "task_updated"
	TopicAgentRegistered     = "agent_registered"

	// TopicEcho carries payloads received from one websocket viewer and
	// relayed verbatim to all viewers, the sender included. Kept distinct
	// from server-originated topics so clients can tell them apart.
	TopicEcho = "echo"
)
