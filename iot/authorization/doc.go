/*Package authorization implements the connection gate of the MQTT broker

The gate decides at three checkpoints whether a device may proceed:

Pre-connect: the TLS handshake requires a client certificate that chains to the
device CA and whose serial is not on the current revocation list. The common
name of the verified certificate becomes the session's identity.

Publish and subscribe: topics below a reserved prefix (by default "$SYS/") are
always refused. Otherwise a device may only use its own namespace

	devices/{identity}/#

plus the shared namespaces listed in the policy, e.g.

	reserved_prefixes: ["$SYS/"]
	shared:
	  - name: chat
	    filter: "chat/#"

All checks are pure functions of identity, topic and policy. The revocation list
is read from an atomically swapped snapshot, so no check waits for the CA.
*/
package authorization
