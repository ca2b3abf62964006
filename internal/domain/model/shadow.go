package model

// ShadowTrigger names the conditions under which a shadow is asked to speak.
type ShadowTrigger string

const (
	TriggerExplicitAsk ShadowTrigger = "EXPLICIT_ASK"
	TriggerAllMessages ShadowTrigger = "ALL_MESSAGES"
)

// ShadowDirection tags which side of a conversation a shadow copy observed.
type ShadowDirection string

const (
	ShadowIncoming ShadowDirection = "incoming"
	ShadowOutgoing ShadowDirection = "outgoing"
)

// ShadowBinding attaches one passive observer to a primary agent. A shadow has
// exactly one primary; re-binding atomically replaces the prior entry.
type ShadowBinding struct {
	ShadowAgent     string          `json:"shadowAgent"`
	SpeakOn         []ShadowTrigger `json:"speakOn,omitempty"`
	ReceiveIncoming bool            `json:"receiveIncoming"`
	ReceiveOutgoing bool            `json:"receiveOutgoing"`
}

// SpeaksOn reports whether the binding reacts to the given trigger, either
// explicitly or through ALL_MESSAGES.
func (b ShadowBinding) SpeaksOn(trigger ShadowTrigger) bool {
	for _, t := range b.SpeakOn {
		if t == trigger || t == TriggerAllMessages {
			return true
		}
	}
	return false
}
