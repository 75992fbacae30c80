package protocol

import "time"

// ConnectRequest authenticates a client with its access key.
type ConnectRequest struct {
	AccessKey string `json:"accessKey"`
}

// ConnectResponse carries the session issued by the node.
type ConnectResponse struct {
	ClientID   string `json:"clientId"`
	ClientHash string `json:"clientHash"`
}

// PublishRequest sends an encrypted payload to one or more recipients.
type PublishRequest struct {
	EventName  string            `json:"eventName"`
	Payload    string            `json:"payload"`
	DeliveryTo []string          `json:"deliveryTo"`
	Persist    bool              `json:"persist,omitempty"`
	Headers    map[string]string `json:"headers,omitempty"`
}

// PublishResponse acknowledges a publish.
type PublishResponse struct {
	Status     string   `json:"status"`
	EventIdems []string `json:"eventIdems"`
}

// SubscribeRequest registers interest in an event name. Recipient is the
// public key the subscriber decrypts with; an empty Recipient receives every
// event of that name.
type SubscribeRequest struct {
	EventName string `json:"eventName"`
	Recipient string `json:"recipient,omitempty"`
}

// UnsubscribeRequest drops interest in an event name.
type UnsubscribeRequest struct {
	EventName string `json:"eventName"`
}

// EventMessage is a delivered event. Payload is still encrypted.
type EventMessage struct {
	EventIdem  string            `json:"eventIdem"`
	Block      int64             `json:"block"`
	EventName  string            `json:"eventName"`
	Payload    string            `json:"payload"`
	Sender     string            `json:"sender,omitempty"`
	DeliveryTo []string          `json:"deliveryTo,omitempty"`
	Headers    map[string]string `json:"headers,omitempty"`
	Metadata   map[string]any    `json:"metadata,omitempty"`
	Timestamp  time.Time         `json:"timestamp"`
}

// AckRequest confirms processing of a delivered event.
type AckRequest struct {
	EventIdem string `json:"eventIdem"`
	Block     int64  `json:"block"`
	EventName string `json:"eventName"`
}

// DeferRequest asks the node to redeliver an event after a delay.
type DeferRequest struct {
	EventIdem string `json:"eventIdem"`
	EventName string `json:"eventName"`
	DelayMs   int64  `json:"delayMs"`
	Reason    string `json:"reason,omitempty"`
}

// DeferResponse reports when the event will be redelivered.
type DeferResponse struct {
	EventIdem    string    `json:"eventIdem"`
	DeliveryTime time.Time `json:"deliveryTime"`
}

// DiscardRequest drops a delivered event without processing it.
type DiscardRequest struct {
	EventIdem string `json:"eventIdem"`
	EventName string `json:"eventName"`
	Reason    string `json:"reason,omitempty"`
}

// ReplayRequest fetches a persisted event again.
type ReplayRequest struct {
	EventIdem string `json:"eventIdem"`
	EventName string `json:"eventName"`
}

// HeartbeatRequest keeps a session alive.
type HeartbeatRequest struct{}

// HeartbeatResponse reports node liveness.
type HeartbeatResponse struct {
	Status     string    `json:"status"`
	ServerTime time.Time `json:"serverTime"`
}

// Empty is the response of calls that return nothing.
type Empty struct{}

// StatusOK is the status string of successful responses.
const StatusOK = "success"
