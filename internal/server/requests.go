package server

// Request types for WebSocket commands. Validation uses
// go-playground/validator struct tags.

// MarkingsRequest is the request body for markings/update.
type MarkingsRequest struct {
	Visible *bool `json:"visible" validate:"required"`
}

// ColorRequest is the request body for color/update. Color is a preset name
// or a #rrggbb value.
type ColorRequest struct {
	Color string `json:"color" validate:"required,max=32"`
}

// ThresholdRequest is the request body for threshold/update.
type ThresholdRequest struct {
	Threshold float64 `json:"threshold" validate:"gt=0,lte=1"`
}

// EventsRequest is the request body for events/get.
type EventsRequest struct {
	Limit  int    `json:"limit" validate:"omitempty,min=1,max=500"`
	Offset int    `json:"offset" validate:"omitempty,min=0"`
	Filter string `json:"filter" validate:"omitempty,oneof=all session settings"`
}
