// Copyright 2021 Dalarub & Ettrich GmbH - All Rights Reserved
// Unauthorized copying of this file, via any medium is strictly prohibited
// Proprietary and confidential
// info@dalarub.com
//

/*Package iot provides the device plane

Devices connect to an MQTT broker with client certificates signed by the
platform's certificate authority. The certificate's common name is the device
identity, and every device is confined to its own topic namespace below
devices/{id}/. On top of that namespace the platform and the devices call each
other's methods with JSON-RPC, and devices report properties to a device twin.

The packages are

	topic          topic filters and the device namespace
	credentials    certificate authority, ledgers and bootstrapping of key material
	authorization  connection gate: TLS client authentication and topic policy
	rpc            JSON-RPC in both directions
	rotation       TLS listener that is rebound when the revocation list changes
	mqtt           the broker, wiring all of the above into gmqtt
	twin           reported properties, advertised methods and configuration
	events         device and certificate events for Kafka, SQS or the log
	distribution   publication of the CA certificate and revocation list
	api            REST interface of the twins for operators
	metrics        Prometheus collectors

The rpc service and the twin only need a MessagePublisher, so they can be
tested without a broker.
*/
package iot
