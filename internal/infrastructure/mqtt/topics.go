package mqtt

import "strings"

// DefaultTopicPrefix is used when Topics.Prefix is empty.
const DefaultTopicPrefix = "instrumentd"

// Topics builds the topic names of one endpoint.
// Using these helpers keeps servers and clients in agreement.
//
//	topics := mqtt.Topics{Prefix: "instrumentd"}
//	topics.Response("7d0f…")       // instrumentd/responses/7d0f…
//	topics.Event("/Sim/sim0/tick") // instrumentd/events/Sim/sim0/tick
type Topics struct {
	Prefix string
}

func (t Topics) prefix() string {
	if t.Prefix == "" {
		return DefaultTopicPrefix
	}
	return strings.TrimSuffix(t.Prefix, "/")
}

// Requests returns the shared request topic of the endpoint.
//
// Example: instrumentd/requests
func (t Topics) Requests() string {
	return t.prefix() + "/requests"
}

// Response returns the reply topic of one request.
//
// Example: instrumentd/responses/0b6c2a1e-...
func (t Topics) Response(requestID string) string {
	return t.prefix() + "/responses/" + requestID
}

// Event returns the MQTT topic that carries an event topic.
//
// Example: instrumentd/events/Sim/sim0/tick
func (t Topics) Event(topic string) string {
	return t.prefix() + "/events/" + strings.TrimPrefix(topic, "/")
}

// EventTopic recovers the event topic from an MQTT topic built by Event.
// It reports false for topics outside the event tree.
func (t Topics) EventTopic(mqttTopic string) (string, bool) {
	rest, ok := strings.CutPrefix(mqttTopic, t.prefix()+"/events/")
	if !ok {
		return "", false
	}
	return "/" + rest, true
}
