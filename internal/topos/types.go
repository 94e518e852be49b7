// Package topos defines the core data model of the Topos Reliable Broadcast
// protocol: Certificate, SubnetId, Position and the checkpoint types used to
// resume a watch stream. These types are transport-agnostic; conversions to
// and from the wire representation live in internal/api/wire.
package topos

import (
	"bytes"
	"encoding/hex"
	"errors"
	"fmt"
)

// SubnetIdLen is the fixed byte length of a SubnetId.
const SubnetIdLen = 32

// SubnetId is an opaque 32-byte identifier for an execution domain.
type SubnetId [SubnetIdLen]byte

// ZeroSubnetId is the zero-value subnet id, used as a wildcard in tests only;
// production subnet ids must never be the zero value.
var ZeroSubnetId = SubnetId{}

// String renders the subnet id as a 0x-prefixed hex string.
func (s SubnetId) String() string {
	return "0x" + hex.EncodeToString(s[:])
}

// IsZero reports whether s is the zero value.
func (s SubnetId) IsZero() bool {
	return s == ZeroSubnetId
}

// SubnetIdFromHex parses a 0x-prefixed, 64-hex-char subnet id.
func SubnetIdFromHex(s string) (SubnetId, error) {
	var id SubnetId
	if len(s) != 2+SubnetIdLen*2 || s[0:2] != "0x" {
		return id, fmt.Errorf("topos: subnet id must be 0x-prefixed and %d bytes, got %q", SubnetIdLen, s)
	}
	b, err := hex.DecodeString(s[2:])
	if err != nil {
		return id, fmt.Errorf("topos: invalid subnet id hex: %w", err)
	}
	copy(id[:], b)
	return id, nil
}

// CertIdLen is the fixed byte length of a CertificateId.
const CertIdLen = 32

// CertificateId is a 32-byte content-derived identifier.
type CertificateId [CertIdLen]byte

// ZeroCertificateId denotes "no predecessor" (genesis) or "no certificate".
var ZeroCertificateId = CertificateId{}

func (c CertificateId) String() string {
	return "0x" + hex.EncodeToString(c[:])
}

func (c CertificateId) IsZero() bool {
	return c == ZeroCertificateId
}

// ValidatorId is an opaque identifier for a validator, stable for the
// lifetime of a broadcast.
type ValidatorId string

// Position is a monotonically increasing, per-source-subnet stream index.
// Position 0 is the genesis certificate.
type Position uint64

// Certificate is the atomic unit of cross-subnet exchange.
type Certificate struct {
	PrevId         CertificateId
	SourceSubnetId SubnetId
	StateRoot      [32]byte
	TxRootHash     [32]byte
	TargetSubnets  []SubnetId
	Verifier       uint32
	Id             CertificateId
	Proof          []byte
	Signature      []byte
}

// Validate checks the invariants from the spec: non-zero id, source not
// among targets, and target subnets collapsed to a set (duplicates removed
// in place). prev_id linkage to an actual stored certificate is a storage
// concern, not validated here.
func (c *Certificate) Validate() error {
	if c.Id.IsZero() {
		return errors.New("topos: certificate id must not be zero")
	}
	if c.SourceSubnetId.IsZero() {
		return errors.New("topos: certificate source_subnet_id must not be zero")
	}
	seen := make(map[SubnetId]struct{}, len(c.TargetSubnets))
	deduped := c.TargetSubnets[:0:0]
	for _, t := range c.TargetSubnets {
		if t == c.SourceSubnetId {
			return fmt.Errorf("topos: certificate %s targets its own source subnet", c.Id)
		}
		if _, ok := seen[t]; ok {
			continue
		}
		seen[t] = struct{}{}
		deduped = append(deduped, t)
	}
	c.TargetSubnets = deduped
	return nil
}

// IsGenesis reports whether c has no predecessor on its source subnet.
func (c *Certificate) IsGenesis() bool {
	return c.PrevId.IsZero()
}

// SyntheticGenesis returns the synthetic genesis certificate for subnet,
// per the get_source_head contract: id and prev_id are zero, all other
// fields default, and it occupies position 0.
func SyntheticGenesis(subnet SubnetId) Certificate {
	return Certificate{
		PrevId:         ZeroCertificateId,
		SourceSubnetId: subnet,
		Id:             ZeroCertificateId,
	}
}

// Equal does a field-wise comparison, used by tests checking byte equality
// across a wire round-trip.
func (c *Certificate) Equal(o *Certificate) bool {
	if c.PrevId != o.PrevId || c.SourceSubnetId != o.SourceSubnetId ||
		c.StateRoot != o.StateRoot || c.TxRootHash != o.TxRootHash ||
		c.Verifier != o.Verifier || c.Id != o.Id {
		return false
	}
	if !bytes.Equal(c.Proof, o.Proof) || !bytes.Equal(c.Signature, o.Signature) {
		return false
	}
	if len(c.TargetSubnets) != len(o.TargetSubnets) {
		return false
	}
	for i := range c.TargetSubnets {
		if c.TargetSubnets[i] != o.TargetSubnets[i] {
			return false
		}
	}
	return true
}

// SourceStreamPosition identifies a point in a source subnet's delivery
// stream.
type SourceStreamPosition struct {
	SubnetId      SubnetId
	CertificateId CertificateId
	Position      Position
}

// SourceCheckpoint is the set of per-source-subnet positions a watcher
// wishes to resume from, keyed by source subnet id.
type SourceCheckpoint struct {
	Positions map[SubnetId]SourceStreamPosition
}

// PositionFor returns the recorded position for subnet, or (0, false) when
// the checkpoint has no entry for it — callers should then replay from the
// start of the stream.
func (c SourceCheckpoint) PositionFor(subnet SubnetId) (Position, bool) {
	if c.Positions == nil {
		return 0, false
	}
	p, ok := c.Positions[subnet]
	return p.Position, ok
}

// TargetCheckpoint is the set of target subnet ids a watcher is interested
// in, plus the source checkpoint it wants to resume from.
type TargetCheckpoint struct {
	TargetSubnetIds []SubnetId
	Source          SourceCheckpoint
}
