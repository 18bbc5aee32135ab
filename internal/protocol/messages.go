package protocol

import "time"

// IntakeRequest starts a narration session over the bus.
type IntakeRequest struct {
	Message string `json:"message"`
}

// IntakeReply answers an IntakeRequest with either a session id or an error.
type IntakeReply struct {
	SessionID string `json:"session_id,omitempty"`
	Error     string `json:"error,omitempty"`
}

// ArtifactEvent announces a persisted audio/caption pair.
type ArtifactEvent struct {
	SessionID string    `json:"session_id"`
	Sequence  int       `json:"sequence"`
	Captions  []string  `json:"captions"`
	Timestamp time.Time `json:"timestamp"`
}

// DoneEvent marks the end of production for a session.
type DoneEvent struct {
	SessionID string    `json:"session_id"`
	Produced  int       `json:"produced"`
	Dropped   int       `json:"dropped"`
	Timestamp time.Time `json:"timestamp"`
}

// NodeAnnounce advertises a narrator and the collaborators it drives.
type NodeAnnounce struct {
	NodeID        string            `json:"node_id"`
	Collaborators map[string]string `json:"collaborators"`
	MaxConcurrent int               `json:"max_concurrent"`
	Timestamp     time.Time         `json:"timestamp"`
}

// NodeHeartbeat keeps a narrator marked healthy and reports its load.
type NodeHeartbeat struct {
	NodeID         string    `json:"node_id"`
	ActiveSessions int       `json:"active_sessions"`
	Timestamp      time.Time `json:"timestamp"`
}

const (
	SubjectNodeAnnounce        = "narration.node.announce"
	SubjectNodeHeartbeatPrefix = "narration.node.heartbeat"
)

const (
	SubjectIntake         = "narration.request"
	SubjectArtifactPrefix = "narration.artifact"
	SubjectDonePrefix     = "narration.done"
)

func ArtifactSubject(sessionID string) string {
	return SubjectArtifactPrefix + "." + sessionID
}

func DoneSubject(sessionID string) string {
	return SubjectDonePrefix + "." + sessionID
}

func HeartbeatSubject(nodeID string) string {
	return SubjectNodeHeartbeatPrefix + "." + nodeID
}
