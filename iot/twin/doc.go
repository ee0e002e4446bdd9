/*Package twin provides the device twin of the IoT plane

A device twin is a set of JSON objects, each described with a unique key.

The twin always manages two sides for any given key: the request and the report.
The request is an object that gets transferred to the device. The report is the
device's answer, or information the device publishes on its own. The twin uses
three keys:

	properties      report: published by the device on devices/{id}/properties
	methods         report: advertised by the device on devices/{id}/rpc/supported
	configuration   request: set by the cloud and published on devices/{id}/configuration

The system keeps track of the time when a request or report was posted. Multiple
equal reports from the device do not change the reported_at timestamp, which stores
the time when a report was received the first time.

A stored configuration is published again when the device subscribes to its
configuration topic, so a device that was offline picks it up.

Cloud code calls device methods through CallMethod, which refuses methods the
device has not advertised.

Storage

MemoryStore keeps the twin in memory. SQLStore keeps it in the system table
"_twin_" of a postgres schema.
*/
package twin
