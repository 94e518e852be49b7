// Package storage implements the append-mostly, multi-indexed certificate
// log described in spec §4.1. It is backed by go.etcd.io/bbolt: each column
// family from the spec's table is one bucket, and every delivery is written
// in a single bbolt read-write transaction, giving the "one logical write =
// one batched commit" atomicity the spec requires across column families.
package storage

import (
	"encoding/binary"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"go.etcd.io/bbolt"

	"github.com/topos-protocol/tce-node/internal/pkg/toposerr"
	"github.com/topos-protocol/tce-node/internal/topos"
)

// Bucket names mirror the column families in spec §4.1 and the original
// Rust implementation's IndexTables (topos-tce-storage/src/index/mod.rs),
// kept snake_case for traceability against both.
var (
	bucketSourceStreams       = []byte("source_streams")
	bucketCertificates        = []byte("certificates")
	bucketSourceHead          = []byte("source_head")
	bucketTargetStreams       = []byte("target_streams")
	bucketTargetSourceList    = []byte("target_source_list")
	bucketSourceList          = []byte("source_list")
	bucketSourceListPerTarget = []byte("source_list_per_target")
	bucketPending             = []byte("pending_by_prev")
)

var allBuckets = [][]byte{
	bucketSourceStreams,
	bucketCertificates,
	bucketSourceHead,
	bucketTargetStreams,
	bucketTargetSourceList,
	bucketSourceList,
	bucketSourceListPerTarget,
	bucketPending,
}

// CommitObserver receives a latency sample for each certificate commit.
// telemetry.Recorder satisfies this without storage importing telemetry.
type CommitObserver interface {
	ObserveCommit(d time.Duration)
}

// Store is the certificate storage/index engine.
type Store struct {
	db       *bbolt.DB
	observer CommitObserver
}

// SetObserver attaches a CommitObserver used by PutDelivered going forward.
// A nil observer (the default) disables the measurement.
func (s *Store) SetObserver(o CommitObserver) {
	s.observer = o
}

// Open creates (if absent) and opens the index directory at dir/index.
func Open(dir string) (*Store, error) {
	indexDir := filepath.Join(dir, "index")
	if err := os.MkdirAll(indexDir, 0o755); err != nil {
		return nil, fmt.Errorf("storage: create index dir: %w", err)
	}

	db, err := bbolt.Open(filepath.Join(indexDir, "topos.db"), 0o600, &bbolt.Options{
		Timeout: 5 * time.Second,
	})
	if err != nil {
		return nil, fmt.Errorf("storage: open: %w", err)
	}

	err = db.Update(func(tx *bbolt.Tx) error {
		for _, b := range allBuckets {
			if _, err := tx.CreateBucketIfNotExists(b); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("storage: init buckets: %w", err)
	}

	return &Store{db: db}, nil
}

// Close releases the underlying database file.
func (s *Store) Close() error {
	return s.db.Close()
}

// head is the value stored in source_head / source_list.
type head struct {
	certID   topos.CertificateId
	position topos.Position
}

func encodeHead(h head) []byte {
	b := make([]byte, topos.CertIdLen+8)
	copy(b, h.certID[:])
	binary.BigEndian.PutUint64(b[topos.CertIdLen:], uint64(h.position))
	return b
}

func decodeHead(b []byte) head {
	var h head
	copy(h.certID[:], b[:topos.CertIdLen])
	h.position = topos.Position(binary.BigEndian.Uint64(b[topos.CertIdLen:]))
	return h
}

func sourceStreamKey(subnet topos.SubnetId, pos topos.Position) []byte {
	k := make([]byte, topos.SubnetIdLen+8)
	copy(k, subnet[:])
	binary.BigEndian.PutUint64(k[topos.SubnetIdLen:], uint64(pos))
	return k
}

// targetStreamKey is prefix-friendly: the target subnet id comes first so a
// range scan over a fixed 32-byte prefix returns "everything for this
// target" (spec §4.1).
func targetStreamKey(target, source topos.SubnetId, pos topos.Position) []byte {
	k := make([]byte, topos.SubnetIdLen*2+8)
	copy(k, target[:])
	copy(k[topos.SubnetIdLen:], source[:])
	binary.BigEndian.PutUint64(k[topos.SubnetIdLen*2:], uint64(pos))
	return k
}

func targetSourceKey(target, source topos.SubnetId) []byte {
	k := make([]byte, topos.SubnetIdLen*2)
	copy(k, target[:])
	copy(k[topos.SubnetIdLen:], source[:])
	return k
}

func pendingKey(subnet topos.SubnetId, expectedPrev topos.CertificateId) []byte {
	k := make([]byte, topos.SubnetIdLen+topos.CertIdLen)
	copy(k, subnet[:])
	copy(k[topos.SubnetIdLen:], expectedPrev[:])
	return k
}

func encodeCertificate(c *topos.Certificate) []byte {
	// Fixed header: prev_id | source | state_root | tx_root | verifier |
	// id | target_count, followed by target subnet ids, then
	// len(proof) | proof | len(sig) | sig.
	size := topos.CertIdLen*2 + topos.SubnetIdLen + 32 + 32 + 4 + 4 + len(c.TargetSubnets)*topos.SubnetIdLen + 4 + len(c.Proof) + 4 + len(c.Signature)
	b := make([]byte, 0, size)
	b = append(b, c.PrevId[:]...)
	b = append(b, c.SourceSubnetId[:]...)
	b = append(b, c.StateRoot[:]...)
	b = append(b, c.TxRootHash[:]...)
	var verifierBuf [4]byte
	binary.BigEndian.PutUint32(verifierBuf[:], c.Verifier)
	b = append(b, verifierBuf[:]...)
	b = append(b, c.Id[:]...)

	var countBuf [4]byte
	binary.BigEndian.PutUint32(countBuf[:], uint32(len(c.TargetSubnets)))
	b = append(b, countBuf[:]...)
	for _, t := range c.TargetSubnets {
		b = append(b, t[:]...)
	}

	var proofLenBuf [4]byte
	binary.BigEndian.PutUint32(proofLenBuf[:], uint32(len(c.Proof)))
	b = append(b, proofLenBuf[:]...)
	b = append(b, c.Proof...)

	var sigLenBuf [4]byte
	binary.BigEndian.PutUint32(sigLenBuf[:], uint32(len(c.Signature)))
	b = append(b, sigLenBuf[:]...)
	b = append(b, c.Signature...)

	return b
}

func decodeCertificate(b []byte) (*topos.Certificate, error) {
	c := &topos.Certificate{}
	off := 0
	need := func(n int) error {
		if off+n > len(b) {
			return fmt.Errorf("storage: truncated certificate encoding")
		}
		return nil
	}

	if err := need(topos.CertIdLen); err != nil {
		return nil, err
	}
	copy(c.PrevId[:], b[off:])
	off += topos.CertIdLen

	if err := need(topos.SubnetIdLen); err != nil {
		return nil, err
	}
	copy(c.SourceSubnetId[:], b[off:])
	off += topos.SubnetIdLen

	if err := need(32); err != nil {
		return nil, err
	}
	copy(c.StateRoot[:], b[off:])
	off += 32

	if err := need(32); err != nil {
		return nil, err
	}
	copy(c.TxRootHash[:], b[off:])
	off += 32

	if err := need(4); err != nil {
		return nil, err
	}
	c.Verifier = binary.BigEndian.Uint32(b[off:])
	off += 4

	if err := need(topos.CertIdLen); err != nil {
		return nil, err
	}
	copy(c.Id[:], b[off:])
	off += topos.CertIdLen

	if err := need(4); err != nil {
		return nil, err
	}
	targetCount := int(binary.BigEndian.Uint32(b[off:]))
	off += 4

	c.TargetSubnets = make([]topos.SubnetId, targetCount)
	for i := 0; i < targetCount; i++ {
		if err := need(topos.SubnetIdLen); err != nil {
			return nil, err
		}
		copy(c.TargetSubnets[i][:], b[off:])
		off += topos.SubnetIdLen
	}

	if err := need(4); err != nil {
		return nil, err
	}
	proofLen := int(binary.BigEndian.Uint32(b[off:]))
	off += 4
	if err := need(proofLen); err != nil {
		return nil, err
	}
	c.Proof = append([]byte(nil), b[off:off+proofLen]...)
	off += proofLen

	if err := need(4); err != nil {
		return nil, err
	}
	sigLen := int(binary.BigEndian.Uint32(b[off:]))
	off += 4
	if err := need(sigLen); err != nil {
		return nil, err
	}
	c.Signature = append([]byte(nil), b[off:off+sigLen]...)

	return c, nil
}

// PutDelivered writes a delivered certificate atomically across every
// column family. It is a no-op (AlreadyExists) if cert.Id is already known,
// and fails UnexpectedPrev if cert.PrevId doesn't match the source's
// current head (invariant 1, spec §8).
//
// PutDelivered does not itself consult the pending-by-prev bucket; callers
// (the engine's causal-release loop) are responsible for holding back
// certificates whose predecessor hasn't arrived and retrying once it has.
func (s *Store) PutDelivered(cert *topos.Certificate) error {
	if s.observer != nil {
		start := time.Now()
		defer func() { s.observer.ObserveCommit(time.Since(start)) }()
	}
	return s.db.Update(func(tx *bbolt.Tx) error {
		certs := tx.Bucket(bucketCertificates)
		if certs.Get(cert.Id[:]) != nil {
			return toposerr.New(toposerr.AlreadyExists, "certificate %s already delivered", cert.Id)
		}

		headsB := tx.Bucket(bucketSourceHead)
		sourceListB := tx.Bucket(bucketSourceList)
		streamsB := tx.Bucket(bucketSourceStreams)

		var pos topos.Position
		existing := headsB.Get(cert.SourceSubnetId[:])
		if existing == nil {
			if !cert.IsGenesis() {
				return toposerr.New(toposerr.UnexpectedPrev,
					"certificate %s claims prev %s but source %s has no head yet",
					cert.Id, cert.PrevId, cert.SourceSubnetId)
			}
			pos = 0
		} else {
			h := decodeHead(existing)
			if h.certID != cert.PrevId {
				return toposerr.New(toposerr.UnexpectedPrev,
					"certificate %s claims prev %s but source %s head is %s",
					cert.Id, cert.PrevId, cert.SourceSubnetId, h.certID)
			}
			pos = h.position + 1
		}

		if err := certs.Put(cert.Id[:], encodeCertificate(cert)); err != nil {
			return err
		}
		if err := streamsB.Put(sourceStreamKey(cert.SourceSubnetId, pos), cert.Id[:]); err != nil {
			return err
		}
		newHead := encodeHead(head{certID: cert.Id, position: pos})
		if err := headsB.Put(cert.SourceSubnetId[:], newHead); err != nil {
			return err
		}
		if err := sourceListB.Put(cert.SourceSubnetId[:], newHead); err != nil {
			return err
		}

		targetStreamsB := tx.Bucket(bucketTargetStreams)
		targetSourceListB := tx.Bucket(bucketTargetSourceList)
		sourceListPerTargetB := tx.Bucket(bucketSourceListPerTarget)

		for _, target := range cert.TargetSubnets {
			if err := targetStreamsB.Put(targetStreamKey(target, cert.SourceSubnetId, pos), cert.Id[:]); err != nil {
				return err
			}
			var posBuf [8]byte
			binary.BigEndian.PutUint64(posBuf[:], uint64(pos))
			if err := targetSourceListB.Put(targetSourceKey(target, cert.SourceSubnetId), posBuf[:]); err != nil {
				return err
			}
			if err := sourceListPerTargetB.Put(targetSourceKey(target, cert.SourceSubnetId), []byte{1}); err != nil {
				return err
			}
		}

		return nil
	})
}

// GetSourceHead returns the stored head for subnet, or the synthetic
// genesis certificate at position 0 if the subnet has no delivered
// certificates yet. This only ever reflects delivered certificates, never
// pending ones (spec §9 Open Question).
func (s *Store) GetSourceHead(subnet topos.SubnetId) (*topos.Certificate, topos.Position, error) {
	var cert *topos.Certificate
	var pos topos.Position

	err := s.db.View(func(tx *bbolt.Tx) error {
		headsB := tx.Bucket(bucketSourceHead)
		existing := headsB.Get(subnet[:])
		if existing == nil {
			genesis := topos.SyntheticGenesis(subnet)
			cert = &genesis
			pos = 0
			return nil
		}
		h := decodeHead(existing)
		pos = h.position

		certs := tx.Bucket(bucketCertificates)
		raw := certs.Get(h.certID[:])
		if raw == nil {
			return toposerr.New(toposerr.UnableToGetSourceHead, "head certificate %s missing from certificates CF", h.certID)
		}
		decoded, err := decodeCertificate(raw)
		if err != nil {
			return toposerr.Wrap(toposerr.UnableToGetSourceHead, err, "decode head certificate")
		}
		cert = decoded
		return nil
	})
	if err != nil {
		return nil, 0, err
	}
	return cert, pos, nil
}

// GetCertificate looks up a certificate by id.
func (s *Store) GetCertificate(id topos.CertificateId) (*topos.Certificate, error) {
	var cert *topos.Certificate
	err := s.db.View(func(tx *bbolt.Tx) error {
		raw := tx.Bucket(bucketCertificates).Get(id[:])
		if raw == nil {
			return nil
		}
		decoded, err := decodeCertificate(raw)
		if err != nil {
			return err
		}
		cert = decoded
		return nil
	})
	return cert, err
}

// GetCertificatesPerSubnet forward-scans source_streams starting strictly
// after each subnet's given checkpoint position, returning up to `first`
// certificates ordered by (subnet, position).
func (s *Store) GetCertificatesPerSubnet(from topos.SourceCheckpoint, first int) ([]*topos.Certificate, error) {
	type want struct {
		subnet topos.SubnetId
		after  topos.Position
	}
	wanted := make([]want, 0, len(from.Positions))
	for subnet, sp := range from.Positions {
		wanted = append(wanted, want{subnet: subnet, after: sp.Position})
	}
	sort.Slice(wanted, func(i, j int) bool {
		return string(wanted[i].subnet[:]) < string(wanted[j].subnet[:])
	})

	var out []*topos.Certificate
	err := s.db.View(func(tx *bbolt.Tx) error {
		streams := tx.Bucket(bucketSourceStreams)
		certs := tx.Bucket(bucketCertificates)
		c := streams.Cursor()

		for _, w := range wanted {
			if len(out) >= first {
				break
			}
			seek := sourceStreamKey(w.subnet, w.after+1)
			for k, v := c.Seek(seek); k != nil && len(out) < first; k, v = c.Next() {
				if len(k) < topos.SubnetIdLen || string(k[:topos.SubnetIdLen]) != string(w.subnet[:]) {
					break
				}
				raw := certs.Get(v)
				if raw == nil {
					continue
				}
				cert, err := decodeCertificate(raw)
				if err != nil {
					return err
				}
				out = append(out, cert)
			}
		}
		return nil
	})
	return out, err
}

// GetTargetStream forward-scans target_streams with the fixed
// (target, source) prefix, starting at fromPosition (inclusive).
func (s *Store) GetTargetStream(target, source topos.SubnetId, fromPosition topos.Position, limit int) ([]*topos.Certificate, error) {
	var out []*topos.Certificate
	err := s.db.View(func(tx *bbolt.Tx) error {
		streams := tx.Bucket(bucketTargetStreams)
		certs := tx.Bucket(bucketCertificates)
		c := streams.Cursor()

		prefix := make([]byte, topos.SubnetIdLen*2)
		copy(prefix, target[:])
		copy(prefix[topos.SubnetIdLen:], source[:])

		seek := targetStreamKey(target, source, fromPosition)
		for k, v := c.Seek(seek); k != nil && len(out) < limit; k, v = c.Next() {
			if len(k) < len(prefix) || string(k[:len(prefix)]) != string(prefix) {
				break
			}
			raw := certs.Get(v)
			if raw == nil {
				continue
			}
			cert, err := decodeCertificate(raw)
			if err != nil {
				return err
			}
			out = append(out, cert)
		}
		return nil
	})
	return out, err
}

// ParkPending records that cert is waiting on expectedPrev to be delivered
// on subnet. At most one certificate is parked per (subnet, expectedPrev)
// pair: parking another against the same pair replaces the first.
func (s *Store) ParkPending(subnet topos.SubnetId, expectedPrev topos.CertificateId, cert *topos.Certificate) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketPending).Put(pendingKey(subnet, expectedPrev), encodeCertificate(cert))
	})
}

// ReleasePending returns the certificate parked against (subnet,
// justDelivered), if any, and removes it from the pending bucket.
func (s *Store) ReleasePending(subnet topos.SubnetId, justDelivered topos.CertificateId) (*topos.Certificate, error) {
	key := pendingKey(subnet, justDelivered)
	var cert *topos.Certificate
	err := s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketPending)
		raw := b.Get(key)
		if raw == nil {
			return nil
		}
		decoded, err := decodeCertificate(raw)
		if err != nil {
			return err
		}
		cert = decoded
		return b.Delete(key)
	})
	return cert, err
}

// KnownSubnets returns every source subnet id that has at least one
// delivered certificate, used to rebuild the causal view on restart
// (spec §4.1 "Atomicity and recovery").
func (s *Store) KnownSubnets() ([]topos.SubnetId, error) {
	var subnets []topos.SubnetId
	err := s.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketSourceHead).ForEach(func(k, _ []byte) error {
			var id topos.SubnetId
			copy(id[:], k)
			subnets = append(subnets, id)
			return nil
		})
	})
	return subnets, err
}
