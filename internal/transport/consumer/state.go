package consumer

import "ajnotify/internal/bus"

// State is the consumer's super-agent state.
type State int

const (
	Stopped State = iota
	// ProducerDirect receives from producers only; super-agent search is off.
	ProducerDirect
	// SearchingSuperAgent receives from producers and from any super agent.
	SearchingSuperAgent
	// SuperAgentBound receives only from the bound super agent.
	SuperAgentBound
)

func (s State) String() string {
	switch s {
	case ProducerDirect:
		return "producer_direct"
	case SearchingSuperAgent:
		return "searching_super_agent"
	case SuperAgentBound:
		return "super_agent_bound"
	default:
		return "stopped"
	}
}

// Match rules used by the consumer.
var (
	ProducerRule     = bus.SessionlessRule(notificationInterface)
	GenericAgentRule = bus.SessionlessRule(superAgentInterface)
)

// SpecificAgentRule admits only sender's super-agent notifications.
func SpecificAgentRule(sender string) bus.Rule { return GenericAgentRule.FromSender(sender) }
