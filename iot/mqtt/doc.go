/*Package mqtt provides the IoT broker

The broker runs the gmqtt engine on a TLS listener, usually a rotation.Listener,
and wires the connection gate into the engine's hooks:

	accept      the listener completed the TLS handshake with a mandatory client
	            certificate. Its common name becomes the identity of the session.
	connect     the MQTT client ID must equal the identity (configurable)
	subscribe   topic policy of the gate
	subscribed  resumes the configuration of the device
	publish     topic policy of the gate, then routing:
	              devices/{id}/rpc/...       to the rpc service
	              devices/{id}/properties    to the device twin
	close       releases the identity

Refused publishes are dropped silently and refused subscriptions get a
failure return code, as MQTT has no other way to refuse them.

A device that subscribes to its configuration topic gets its stored
configuration published again.
*/
package mqtt
