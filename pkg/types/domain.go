package types

// FrameStats summarizes the overlay frame sink.
type FrameStats struct {
	Width     int    `json:"width"`
	Height    int    `json:"height"`
	Published uint64 `json:"published"`
	Dropped   uint64 `json:"dropped"`
	Rendered  uint64 `json:"rendered"`
}

// ResultSummary describes a finished attempt without its image.
type ResultSummary struct {
	AttemptID uint64 `json:"attempt_id"`
	RequestID string `json:"request_id,omitempty"`
	// succeeded, failed or cancelled.
	// example: succeeded
	Status string `json:"status" example:"succeeded"`
	// Failure kind (connection, rejected, timeout, cancelled, capture, execution, payload, internal).
	Kind    string `json:"kind,omitempty"`
	Message string `json:"message,omitempty"`
	Seed    int64  `json:"seed,omitempty"`
	Model   string `json:"model,omitempty"`
	// example: 2350
	ElapsedMS int64 `json:"elapsed_ms" example:"2350"`
}
