package models

// CallState is the single current-state value of the call orchestrator.
// Transitions are guarded; illegal combinations such as ringing while active
// cannot be represented.
type CallState string

const (
	CallStateIdle        CallState = "idle"
	CallStateCalling     CallState = "calling"
	CallStateRinging     CallState = "ringing"
	CallStateNegotiating CallState = "negotiating"
	CallStateActive      CallState = "active"
	CallStateEnded       CallState = "ended"
)

// CallOutcome selects the system message recorded when a call ends.
type CallOutcome string

const (
	CallOutcomeEnded    CallOutcome = "ended"
	CallOutcomeMissed   CallOutcome = "missed"
	CallOutcomeRejected CallOutcome = "rejected"
	CallOutcomeNoAnswer CallOutcome = "no answer"
)

// SystemText returns the conversation entry recorded for an outcome.
func (o CallOutcome) SystemText() string {
	switch o {
	case CallOutcomeMissed:
		return "Missed call"
	case CallOutcomeRejected:
		return "Call rejected"
	case CallOutcomeNoAnswer:
		return "No answer"
	default:
		return "Call ended"
	}
}

// CallerInfo is surfaced to the presentation layer when an offer arrives.
type CallerInfo struct {
	PeerID    uint          `json:"peerId"`
	Nickname  string        `json:"nickname"`
	Avatar    string        `json:"avatar"`
	MediaType CallMediaType `json:"mediaType"`
}
