package sandbox

import (
	"encoding/json"
	"strings"

	"github.com/vibekit/vibekit/internal/status"
)

// Classify maps a raw progress payload from the execution engine to a run
// status. A payload announcing the agent lifecycle start maps to
// INITIALIZING, a version-control operation maps to CLONING_REPO, and any
// other well-formed payload maps to IMPLEMENTING_CODE. Malformed payloads
// return ok=false and are skipped by the caller; classification never fails
// a run.
func Classify(raw string) (status.RunStatus, bool) {
	var msg struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal([]byte(raw), &msg); err != nil {
		return "", false
	}

	switch {
	case msg.Type == "start":
		return status.StatusInitializing, true
	case isGitOperation(msg.Type):
		return status.StatusCloningRepo, true
	default:
		return status.StatusImplementingCode, true
	}
}

func isGitOperation(msgType string) bool {
	return msgType == "git" ||
		msgType == "clone" ||
		strings.HasPrefix(msgType, "git_")
}
