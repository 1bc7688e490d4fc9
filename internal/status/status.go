package status

// RunStatus identifies a step in the agent run workflow.
type RunStatus string

const (
	StatusInitializing     RunStatus = "INITIALIZING"
	StatusCloningRepo      RunStatus = "CLONING_REPO"
	StatusImplementingCode RunStatus = "IMPLEMENTING_CODE"
	StatusCreatingPR       RunStatus = "CREATING_PR"
	StatusDone             RunStatus = "DONE"
	StatusFailed           RunStatus = "FAILED"
)

var statusRank = map[RunStatus]int{
	StatusInitializing:     0,
	StatusCloningRepo:      1,
	StatusImplementingCode: 2,
	StatusCreatingPR:       3,
	StatusDone:             4,
	StatusFailed:           5,
}

// Valid returns true if s is a recognized RunStatus.
func Valid(s RunStatus) bool {
	_, ok := statusRank[s]
	return ok
}

// Rank returns the position of s in workflow order. Statuses for a single
// run are only ever published in non-decreasing rank order.
func Rank(s RunStatus) int {
	r, ok := statusRank[s]
	if !ok {
		return -1
	}
	return r
}

// Terminal returns true if s ends a run.
func Terminal(s RunStatus) bool {
	return s == StatusDone || s == StatusFailed
}

// Event is one status update for a run. The ordered sequence of events for a
// single LogID is the observable history of that run.
type Event struct {
	Status RunStatus `json:"status"`
	LogID  string    `json:"log_id"`
}
