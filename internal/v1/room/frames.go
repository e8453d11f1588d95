package room

import "encoding/json"

// Frame types accepted from room clients.
const (
	frameTypePing         = "ping"
	frameTypeJoin         = "join"
	frameTypeLeave        = "leave"
	frameTypeChat         = "chat"
	frameTypeSignal       = "signal"
	frameTypeAgentSummary = "agent_summary"
)

// Frame types sent to room clients.
const (
	frameTypePong            = "pong"
	frameTypePresence        = "presence"
	frameTypeError           = "error"
	frameTypeAgentSummaryAck = "agent_summary_ack"
)

// Application close codes on the room endpoint.
const (
	CloseNormal       = 1000
	CloseAuthRequired = 4401
)

// inboundFrame is the union of every client-sent frame.
type inboundFrame struct {
	Type         string          `json:"type"`
	FromUserID   string          `json:"fromUserId,omitempty"`
	Username     string          `json:"username,omitempty"`
	Content      string          `json:"content,omitempty"`
	SignalType   string          `json:"signalType,omitempty"`
	TargetUserID string          `json:"targetUserId,omitempty"`
	SDP          string          `json:"sdp,omitempty"`
	Candidate    json.RawMessage `json:"candidate,omitempty"`
}

type pongFrame struct {
	Type string `json:"type"`
}

type errorFrame struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

// presenceFrame is the full room view recomputed on every join/leave.
type presenceFrame struct {
	Type      string            `json:"type"`
	Users     []string          `json:"users"`
	UserNames map[string]string `json:"userNames"`
	AgentIDs  []string          `json:"agentIds"`
}

type chatFrame struct {
	Type       string `json:"type"`
	FromUserID string `json:"fromUserId,omitempty"`
	AuthorName string `json:"authorName,omitempty"`
	Content    string `json:"content"`
}

type signalFrame struct {
	Type         string          `json:"type"`
	SignalType   string          `json:"signalType"`
	FromUserID   string          `json:"fromUserId"`
	TargetUserID string          `json:"targetUserId,omitempty"`
	SDP          string          `json:"sdp,omitempty"`
	Candidate    json.RawMessage `json:"candidate,omitempty"`
}

// Ack statuses for the agent_summary flow.
const (
	ackProcessing = "processing"
	ackDone       = "done"
	ackEmpty      = "empty"
	ackError      = "error"
)

type agentSummaryAckFrame struct {
	Type      string `json:"type"`
	Status    string `json:"status"`
	Source    string `json:"source,omitempty"`
	Finalized bool   `json:"finalized,omitempty"`
}
