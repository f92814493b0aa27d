package model

// GenerationJobPayload is the payload of a generation job: produce the plan
// for one client month.
type GenerationJobPayload struct {
	ClientID string `json:"client_id"`
	Month    int    `json:"month"`
}

// NotificationJobPayload is the payload of a notification job.
type NotificationJobPayload struct {
	Kind     string `json:"kind"`
	ClientID string `json:"client_id,omitempty"`
	Month    int    `json:"month,omitempty"`
	Message  string `json:"message,omitempty"`
}

// RenderJobPayload is the payload of a render job: lay out a stored plan for
// delivery.
type RenderJobPayload struct {
	ClientID string `json:"client_id"`
	Month    int    `json:"month"`
	Format   string `json:"format,omitempty"`
}
