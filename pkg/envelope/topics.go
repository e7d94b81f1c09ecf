package envelope

// Topic is one of the fixed routing channels events travel on.
// Topics are routing infrastructure; event types are semantics. The two are
// never derived from each other.
type Topic string

// The eight fixed topics. Any other value is rejected at publish time.
const (
	TopicActionRequests Topic = "action-requests"
	TopicActionResults  Topic = "action-results"
	TopicBusinessFacts  Topic = "business-facts"
	TopicSystemEvents   Topic = "system-events"
	TopicNotifications  Topic = "notifications"
	TopicAgentLifecycle Topic = "agent-lifecycle"
	TopicAudit          Topic = "audit"
	TopicDeadLetter     Topic = "dead-letter"
)

// AllTopics lists every valid topic, in a stable order.
func AllTopics() []Topic {
	return []Topic{
		TopicActionRequests,
		TopicActionResults,
		TopicBusinessFacts,
		TopicSystemEvents,
		TopicNotifications,
		TopicAgentLifecycle,
		TopicAudit,
		TopicDeadLetter,
	}
}

var validTopics = map[Topic]bool{
	TopicActionRequests: true,
	TopicActionResults:  true,
	TopicBusinessFacts:  true,
	TopicSystemEvents:   true,
	TopicNotifications:  true,
	TopicAgentLifecycle: true,
	TopicAudit:          true,
	TopicDeadLetter:     true,
}

// ValidTopic reports whether t is a member of the fixed topic set.
func ValidTopic(t Topic) bool {
	return validTopics[t]
}
