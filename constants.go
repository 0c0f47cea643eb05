package main

import "ticketsync/internal/services"

// producerName identifies this service in published event metadata.
const producerName = "ticketsync"

// Delivery channel names reported in DeliveryResult.Channel.
const (
	channelRabbitMQ = "rabbitmq"
	channelS3       = "s3"
)

// List of lifecycle event types the delivery manager accepts
var supportedEventTypes = []string{
	services.EventTicketCreated,
	services.EventTicketAssigned,
	services.EventCounterDegraded,
}

// Map for quick validation
var eventTypeMap map[string]bool

func init() {
	eventTypeMap = make(map[string]bool)
	for _, eventType := range supportedEventTypes {
		eventTypeMap[eventType] = true
	}
}

// Auxiliary function to validate event type
func isValidEventType(eventType string) bool {
	return eventTypeMap[eventType]
}

// S3 Environment Variables Constants
const (
	envS3AccessKey = "S3_ACCESS_KEY"
	envS3SecretKey = "S3_SECRET_KEY"
)
