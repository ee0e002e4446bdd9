/*Package credentials implements the certificate authority for device identities

The authority issues X.509 client certificates whose common name is the device
identity, keeps an append-only ledger of everything it has signed and maintains
the certificate revocation list (CRL) the broker uses to refuse revoked devices.

Issuance

Issue generates a fresh RSA key pair and a certificate signing request for the
requested common name, signs it with the CA key and verifies the resulting chain
before the certificate is recorded in the ledger. The returned credentials contain
the private key; it is never stored on the server.

Serial allocation, signing and the ledger append happen under a single lock,
hence concurrent issuance never hands out the same serial twice. Serials start
at 1000.

Revocation

Revoke marks all valid certificates of a common name as revoked, signs a new CRL
and swaps it in atomically. Readers of CurrentCRL never wait for the lock.
Subscribers registered with Subscribe are called with every new CRL.

Storage

The ledger is either a tab separated index file (FileLedger), similar to the
index of the openssl ca command, or a postgres table (SQLLedger).

Bootstrap

Bootstrap creates the CA key pair and the broker's server certificate in a
directory on first start. On subsequent starts it validates that the key
matches the certificate and that the certificate may sign certificates.
*/
package credentials
