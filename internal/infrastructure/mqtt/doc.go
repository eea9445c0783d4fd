// Package mqtt provides the MQTT plumbing of the queue transport backend.
//
// This package manages:
//   - An embedded broker (mochi-mqtt) bound to the endpoint host:port
//   - A paho client connection with publish, subscribe and unsubscribe
//   - Panic isolation for message handlers
//   - Topic naming for requests, responses and events
//
// # Architecture
//
// Every endpoint that binds the queue backend owns its broker. Servers and
// clients of that endpoint both connect to it as ordinary MQTT clients:
//
//	Client ─► <prefix>/requests ─► Server
//	Client ◄─ <prefix>/responses/<request id> ◄─ Server
//	Subscribers ◄─ <prefix>/events/<Class>/<name>/<event> ◄─ Publisher
//
// The broker accepts every connection. Bind to a loopback address unless the
// network is trusted.
//
// # Usage
//
//	broker, err := mqtt.StartBroker("127.0.0.1:7666", logger)
//	if err != nil {
//	    return err
//	}
//	defer broker.Close()
//
//	client, err := mqtt.Connect(mqtt.ClientConfig{Host: "127.0.0.1", Port: 7666, ClientID: "srv"})
//	if err != nil {
//	    return err
//	}
//	defer client.Close()
//
//	topics := mqtt.Topics{Prefix: "instrumentd"}
//	err = client.Subscribe(topics.Requests(), 1, func(topic string, payload []byte) error {
//	    return nil
//	})
package mqtt
