package types

// GenerateRequest starts a generation (POST /generate) or configures auto
// mode (POST /auto).
type GenerateRequest struct {
	// Preset selects a configured workflow. Empty uses the default preset.
	// example: depth
	Preset string `json:"preset,omitempty" example:"depth"`
	// Positive prompt text.
	// example: a castle at dusk, oil painting
	Prompt string `json:"prompt,omitempty" example:"a castle at dusk, oil painting"`
	// Negative prompt text.
	// example: blurry, low quality
	NegativePrompt string `json:"negative_prompt,omitempty" example:"blurry, low quality"`
	// Random seed; 0 or omitted picks one per attempt.
	// example: 42
	Seed int64 `json:"seed,omitempty" example:"42"`
	// Capture width override in pixels.
	// example: 768
	Width int `json:"width,omitempty" example:"768"`
	// Capture height override in pixels.
	// example: 512
	Height int `json:"height,omitempty" example:"512"`
	// Extra placeholder values for the workflow template.
	Extra map[string]string `json:"extra,omitempty"`
}

// GenerateResponse is returned by POST /generate.
type GenerateResponse struct {
	// Attempt id; results and progress events carry it.
	// example: 7
	AttemptID uint64 `json:"attempt_id" example:"7"`
}

// PoseRequest reports a raw camera pose (POST /pose).
type PoseRequest struct {
	Position [3]float64 `json:"position"`
	Forward  [3]float64 `json:"forward"`
	Up       [3]float64 `json:"up"`
	// Vertical field of view in degrees.
	// example: 50
	FOVDeg float64 `json:"fov_deg" example:"50"`
}

// ErrorResponse is a consistent JSON error payload.
type ErrorResponse struct {
	// Error message.
	// example: invalid JSON body
	Error string `json:"error" example:"invalid JSON body"`
	// HTTP status code.
	// example: 400
	Code int `json:"code" example:"400"`
}

// StatusResponse is returned by GET /status.
type StatusResponse struct {
	// Generation slot state (idle, capturing, submitting, awaiting, delivering, cancelling).
	// example: awaiting
	State string `json:"state" example:"awaiting"`
	// Running attempt id, 0 when idle.
	AttemptID uint64 `json:"attempt_id,omitempty"`
	// Backend request id of the running attempt, once submitted.
	RequestID string `json:"request_id,omitempty"`
	// Sampler progress of the running attempt.
	Step     int `json:"step"`
	MaxSteps int `json:"max_steps"`
	// Whether settled view changes trigger generations.
	AutoMode bool `json:"auto_mode"`
	// Streaming channel state (disconnected, connecting, connected).
	// example: connected
	Connection string `json:"connection" example:"connected"`
	// Overlay frame counters.
	Frame FrameStats `json:"frame"`
	// Most recent finished attempt.
	LastResult *ResultSummary `json:"last_result,omitempty"`
	// Uptime of the process in seconds.
	// example: 3600
	UptimeSeconds int64 `json:"uptime_seconds" example:"3600"`
	// Server time in unix seconds.
	// example: 1700000000
	ServerTimeUnix int64 `json:"server_time_unix" example:"1700000000"`
}

// Event is one NDJSON line of GET /events.
type Event struct {
	// state, progress, preview or result.
	// example: progress
	Name      string         `json:"name" example:"progress"`
	AttemptID uint64         `json:"attempt_id"`
	RequestID string         `json:"request_id,omitempty"`
	State     string         `json:"state,omitempty"`
	Step      int            `json:"step,omitempty"`
	MaxSteps  int            `json:"max_steps,omitempty"`
	Bytes     int            `json:"bytes,omitempty"`
	Result    *ResultSummary `json:"result,omitempty"`
}
