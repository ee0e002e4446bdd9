/*Package topic implements MQTT topic filter matching and the device topic namespace

Every device owns the namespace below devices/{id}/:

	devices/{id}/rpc/request[/...]     JSON-RPC requests, both directions
	devices/{id}/rpc/response/{rpcid}  JSON-RPC responses, both directions
	devices/{id}/rpc/error             responses to unparsable requests
	devices/{id}/rpc/supported         methods advertised by the device
	devices/{id}/properties            properties reported by the device
	devices/{id}/configuration         configuration published by the cloud
*/
package topic

import (
	"errors"
	"fmt"
	"strings"
)

// Prefix is the root of the device namespace
const Prefix = "devices"

// Kinds of device topics
const (
	KindRequest       = "rpc/request"
	KindResponse      = "rpc/response"
	KindError         = "rpc/error"
	KindSupported     = "rpc/supported"
	KindProperties    = "properties"
	KindConfiguration = "configuration"
)

// ErrInvalidIdentity is returned for identities that cannot be used as a topic segment
var ErrInvalidIdentity = errors.New("invalid identity")

// Match reports whether topic matches the MQTT topic filter.
//
// A "+" segment matches exactly one topic segment, a trailing "#" matches
// zero or more remaining segments. A "#" in any other position never matches.
// Matching is case-sensitive and segment bounded.
func Match(filter, topic string) bool {
	fs := strings.Split(filter, "/")
	ts := strings.Split(topic, "/")

	for i, f := range fs {
		if f == "#" {
			return i == len(fs)-1 && len(ts) >= len(fs)-1
		}
		if i >= len(ts) {
			return false
		}
		if f != "+" && f != ts[i] {
			return false
		}
	}
	return len(ts) == len(fs)
}

// ValidIdentity checks that cn can be used as the identity segment of
// device topics and ACL filters.
func ValidIdentity(cn string) error {
	if cn == "" {
		return fmt.Errorf("%w: empty", ErrInvalidIdentity)
	}
	if strings.ContainsAny(cn, "/+#\x00") {
		return fmt.Errorf("%w: '%s' contains a reserved character", ErrInvalidIdentity, cn)
	}
	return nil
}

// DeviceFilter returns the filter covering the whole namespace of a device
func DeviceFilter(id string) string {
	return Prefix + "/" + id + "/#"
}

// RequestTopic returns the request topic of a device, optionally with a suffix
func RequestTopic(id, suffix string) string {
	t := Prefix + "/" + id + "/" + KindRequest
	if suffix != "" {
		t += "/" + suffix
	}
	return t
}

// ResponseTopic returns the topic on which the response for rpcID is published
func ResponseTopic(id, rpcID string) string {
	return Prefix + "/" + id + "/" + KindResponse + "/" + rpcID
}

// ErrorTopic returns the topic for responses which cannot be correlated
func ErrorTopic(id string) string {
	return Prefix + "/" + id + "/" + KindError
}

// SupportedTopic returns the topic on which a device advertises its methods
func SupportedTopic(id string) string {
	return Prefix + "/" + id + "/" + KindSupported
}

// PropertiesTopic returns the topic on which a device reports its properties
func PropertiesTopic(id string) string {
	return Prefix + "/" + id + "/" + KindProperties
}

// ConfigurationTopic returns the topic on which the cloud publishes configuration
func ConfigurationTopic(id string) string {
	return Prefix + "/" + id + "/" + KindConfiguration
}

// DeviceTopic is a parsed topic of the device namespace
type DeviceTopic struct {
	Identity string
	Kind     string
	// Suffix holds the segments following the kind, e.g. the rpc id of a response
	Suffix string
}

// Parse splits a topic of the device namespace. It returns false for
// topics outside the namespace or with an unknown kind.
func Parse(t string) (DeviceTopic, bool) {
	segments := strings.Split(t, "/")
	if len(segments) < 3 || segments[0] != Prefix || segments[1] == "" {
		return DeviceTopic{}, false
	}
	dt := DeviceTopic{Identity: segments[1]}
	rest := segments[2:]

	switch rest[0] {
	case KindProperties, KindConfiguration:
		if len(rest) != 1 {
			return DeviceTopic{}, false
		}
		dt.Kind = rest[0]
		return dt, true
	case "rpc":
		if len(rest) < 2 {
			return DeviceTopic{}, false
		}
		dt.Kind = "rpc/" + rest[1]
		dt.Suffix = strings.Join(rest[2:], "/")
		switch dt.Kind {
		case KindRequest:
			return dt, true
		case KindResponse:
			return dt, dt.Suffix != ""
		case KindError, KindSupported:
			return dt, dt.Suffix == ""
		}
	}
	return DeviceTopic{}, false
}
