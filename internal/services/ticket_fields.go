package services

// TicketSchema identifies where tickets live in the CRM and which custom
// fields carry their metadata.
type TicketSchema struct {
	PipelineID          string
	OpenStageID         string
	ConversationIDField string // external-conversation-id, the idempotency key
	SourceField         string
	CustomerEmailField  string
	OwnerField          string
	OwnerMirrorField    string
}

// TicketSourceIntercom is written to the ticket-source field.
const TicketSourceIntercom = "Intercom"

// DefaultTicketSchema is the production support pipeline.
var DefaultTicketSchema = TicketSchema{
	PipelineID:          "Jf8GkQ3xV2pLm9RtYc4W",
	OpenStageID:         "b7c1e3d2-4a5f-4e69-9d2b-1f0a8c6e3b57",
	ConversationIDField: "hX2kP9mQ4vR7tY1wZ3bN",
	SourceField:         "aL5sD8fG2hJ6kL0qW4eR",
	CustomerEmailField:  "tY7uI1oP3aS5dF9gH2jK",
	OwnerField:          "zX4cV6bN8mQ1wE3rT5yU",
	OwnerMirrorField:    "pO9iU7yT5rE3wQ1aS2dF",
}
