package credentials

import (
	"encoding/pem"
	"fmt"
	"math/big"
	"sort"
	"time"
)

// CRL is an immutable snapshot of the certificate revocation list
type CRL struct {
	Number     *big.Int
	ThisUpdate time.Time
	NextUpdate time.Time
	// DER is the signed revocation list
	DER []byte

	revoked map[string]struct{}
}

func newCRL(number *big.Int, thisUpdate, nextUpdate time.Time, der []byte, revoked []Record) *CRL {
	c := &CRL{
		Number:     number,
		ThisUpdate: thisUpdate,
		NextUpdate: nextUpdate,
		DER:        der,
		revoked:    make(map[string]struct{}, len(revoked)),
	}
	for _, r := range revoked {
		c.revoked[r.SerialHex()] = struct{}{}
	}
	return c
}

// Contains reports whether serial is revoked. A nil CRL contains nothing.
func (c *CRL) Contains(serial *big.Int) bool {
	if c == nil || serial == nil {
		return false
	}
	_, ok := c.revoked[fmt.Sprintf("%X", serial)]
	return ok
}

// Len returns the number of revoked serials
func (c *CRL) Len() int {
	if c == nil {
		return 0
	}
	return len(c.revoked)
}

// Serials returns the revoked serials in hex, sorted
func (c *CRL) Serials() []string {
	if c == nil {
		return nil
	}
	serials := make([]string, 0, len(c.revoked))
	for s := range c.revoked {
		serials = append(serials, s)
	}
	sort.Strings(serials)
	return serials
}

// PEM returns the PEM encoded revocation list
func (c *CRL) PEM() []byte {
	if c == nil {
		return nil
	}
	return pem.EncodeToMemory(&pem.Block{Type: "X509 CRL", Bytes: c.DER})
}
