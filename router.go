package loom

// ============================================================================
// Context Router
// ============================================================================

// DefaultTopic is assigned to shared-context messages that arrive without
// an explicit sub-topic tag, so every stored message in a shared context is
// always topic-tagged.
const DefaultTopic = "general"

// Router classifies rooms into conversation contexts and picks the delivery
// path for each. Classification is a pure function of the membership
// snapshot at call time; no verdict is cached, because membership can
// change during a session.
type Router struct {
	members MembershipSnapshot
	paths   map[ContextKind]Sender
}

func newRouter(members MembershipSnapshot, api *Client) *Router {
	return &Router{
		members: members,
		paths: map[ContextKind]Sender{
			ContextDirect: api.Direct,
			ContextGroup:  api.Groups,
			ContextEvent:  api.Events,
			ContextRoom:   api.Rooms,
		},
	}
}

// Classify maps a room id to its conversation context.
func (r *Router) Classify(roomID string) ContextKind {
	switch {
	case r.members.IsDirectRoom(roomID):
		return ContextDirect
	case r.members.IsEventRoom(roomID):
		return ContextEvent
	case r.members.IsGroupRoom(roomID):
		return ContextGroup
	default:
		return ContextRoom
	}
}

// Route returns the delivery path for the room's current context.
func (r *Router) Route(roomID string) Sender {
	return r.paths[r.Classify(roomID)]
}

// Tag fills in the default topic for shared-context messages before they
// reach the reconciliation engine.
func (r *Router) Tag(m *Message) {
	if m.Topic == "" && r.Classify(m.RoomID).Shared() {
		m.Topic = DefaultTopic
	}
}
