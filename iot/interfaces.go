package iot

// MessagePublisher is an interface to publish MQTT message
type MessagePublisher interface {
	PublishMessageQ1(topic string, payload []byte)
}

// MessagePublisherFunc adapts a function to MessagePublisher
type MessagePublisherFunc func(topic string, payload []byte)

// PublishMessageQ1 implements MessagePublisher
func (f MessagePublisherFunc) PublishMessageQ1(topic string, payload []byte) {
	f(topic, payload)
}
