package api

import (
	"encoding/json"

	"github.com/djlord-it/easy-trigger/internal/domain"
	"github.com/djlord-it/easy-trigger/internal/enqueuer"
)

// SubscribeRequest registers target on one enqueuer. Options are passed to
// the enqueuer untouched; each enqueuer decodes its own shape.
type SubscribeRequest struct {
	Type    domain.EventType `json:"type"`
	Target  domain.Target    `json:"target"`
	Options json.RawMessage  `json:"options,omitempty"`
}

// UnsubscribeRequest removes target from one enqueuer, or from all of them
// when Type is empty. A target without handler covers its whole cwd.
type UnsubscribeRequest struct {
	Type   domain.EventType `json:"type,omitempty"`
	Target domain.Target    `json:"target"`
}

type ListTriggersResponse struct {
	Triggers []enqueuer.SubscriptionInfo `json:"triggers"`
	Total    int                         `json:"total"`
}

// HealthResponse represents the /health endpoint response.
type HealthResponse struct {
	Status     string            `json:"status"`
	Node       string            `json:"node,omitempty"`
	QueueSize  *int              `json:"queue_size,omitempty"`
	Components map[string]string `json:"components,omitempty"`
}

type ErrorResponse struct {
	Error string `json:"error"`
}
