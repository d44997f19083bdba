package telemetry

// Kind identifies one of the closed set of telemetry payloads a client may
// report during a run. Anything outside this set is a protocol violation.
type Kind string

const (
	KindStart  Kind = "start"
	KindAlive  Kind = "alive"
	KindFinish Kind = "finish"
	KindDead   Kind = "dead"
)

// Event is the validated, immutable form of a client report once it has been
// appended to a session log. Position, heading, and health are only
// meaningful for KindAlive.
type Event struct {
	Kind      Kind    `json:"kind"`
	Timestamp int64   `json:"timestamp"`
	X         float64 `json:"x,omitempty"`
	Y         float64 `json:"y,omitempty"`
	Angle     float64 `json:"angle,omitempty"`
	Health    float64 `json:"health,omitempty"`
}

// Incoming is the boundary representation of a client report before
// validation. Optional fields stay pointers so absence is distinguishable
// from a reported zero; the session decides how much of the payload a given
// kind requires.
type Incoming struct {
	Kind      string   `json:"kind"`
	Timestamp *int64   `json:"timestamp"`
	X         *float64 `json:"x"`
	Y         *float64 `json:"y"`
	Angle     *float64 `json:"angle"`
	Health    *float64 `json:"health"`
	Nonce     string   `json:"nonce,omitempty"`
}

// Decision is the two-axis outcome of validating one incoming event: whether
// the event was accepted into the log, and whether it terminated the session.
// A dropped event with Critical false leaves the session running.
type Decision struct {
	Accepted bool
	Critical bool
}
