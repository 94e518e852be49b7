// Package wire defines the on-the-wire message types for the TCE gRPC API
// (spec §4.3, §6) and their binary encoding. The canonical schema is
// documented in api/topos.proto; these Go types are its hand-maintained
// counterpart, carried over google.golang.org/grpc using the "topos" codec
// registered in codec.go rather than the default protobuf-reflection codec.
package wire

import (
	"encoding/binary"
	"fmt"

	"github.com/topos-protocol/tce-node/internal/topos"
)

// MessageType tags the oneof-style framing every wire message starts with.
type MessageType byte

const (
	TypeSubmitCertificateRequest MessageType = iota + 1
	TypeSubmitCertificateResponse
	TypeGetSourceHeadRequest
	TypeGetSourceHeadResponse
	TypeOpenStream
	TypeStreamOpened
	TypeCertificatePushed
)

// Certificate is the wire form of topos.Certificate.
type Certificate struct {
	PrevId         [32]byte
	SourceSubnetId [32]byte
	StateRoot      [32]byte
	TxRootHash     [32]byte
	TargetSubnets  [][32]byte
	Verifier       uint32
	Id             [32]byte
	Proof          []byte
	Signature      []byte
}

// FromDomain converts a topos.Certificate to its wire form.
func FromDomain(c *topos.Certificate) Certificate {
	wc := Certificate{
		PrevId:         c.PrevId,
		SourceSubnetId: c.SourceSubnetId,
		StateRoot:      c.StateRoot,
		TxRootHash:     c.TxRootHash,
		Verifier:       c.Verifier,
		Id:             c.Id,
		Proof:          c.Proof,
		Signature:      c.Signature,
	}
	wc.TargetSubnets = make([][32]byte, len(c.TargetSubnets))
	for i, t := range c.TargetSubnets {
		wc.TargetSubnets[i] = t
	}
	return wc
}

// ToDomain converts a wire Certificate back to topos.Certificate.
func (wc Certificate) ToDomain() *topos.Certificate {
	c := &topos.Certificate{
		PrevId:         wc.PrevId,
		SourceSubnetId: wc.SourceSubnetId,
		StateRoot:      wc.StateRoot,
		TxRootHash:     wc.TxRootHash,
		Verifier:       wc.Verifier,
		Id:             wc.Id,
		Proof:          wc.Proof,
		Signature:      wc.Signature,
	}
	c.TargetSubnets = make([]topos.SubnetId, len(wc.TargetSubnets))
	for i, t := range wc.TargetSubnets {
		c.TargetSubnets[i] = t
	}
	return c
}

func (c Certificate) marshalTo(b []byte) []byte {
	b = append(b, c.PrevId[:]...)
	b = append(b, c.SourceSubnetId[:]...)
	b = append(b, c.StateRoot[:]...)
	b = append(b, c.TxRootHash[:]...)
	b = appendU32(b, c.Verifier)
	b = append(b, c.Id[:]...)
	b = appendU32(b, uint32(len(c.TargetSubnets)))
	for _, t := range c.TargetSubnets {
		b = append(b, t[:]...)
	}
	b = appendBytes(b, c.Proof)
	b = appendBytes(b, c.Signature)
	return b
}

func unmarshalCertificate(b []byte) (Certificate, []byte, error) {
	var c Certificate
	var err error
	if b, err = take(b, c.PrevId[:]); err != nil {
		return c, nil, err
	}
	if b, err = take(b, c.SourceSubnetId[:]); err != nil {
		return c, nil, err
	}
	if b, err = take(b, c.StateRoot[:]); err != nil {
		return c, nil, err
	}
	if b, err = take(b, c.TxRootHash[:]); err != nil {
		return c, nil, err
	}
	var verifier uint32
	verifier, b, err = takeU32(b)
	if err != nil {
		return c, nil, err
	}
	c.Verifier = verifier
	if b, err = take(b, c.Id[:]); err != nil {
		return c, nil, err
	}
	var count uint32
	count, b, err = takeU32(b)
	if err != nil {
		return c, nil, err
	}
	c.TargetSubnets = make([][32]byte, count)
	for i := range c.TargetSubnets {
		if b, err = take(b, c.TargetSubnets[i][:]); err != nil {
			return c, nil, err
		}
	}
	c.Proof, b, err = takeBytes(b)
	if err != nil {
		return c, nil, err
	}
	c.Signature, b, err = takeBytes(b)
	if err != nil {
		return c, nil, err
	}
	return c, b, nil
}

func appendU32(b []byte, v uint32) []byte {
	var buf [4]byte
	binary.BigEndian.PutUint32(buf[:], v)
	return append(b, buf[:]...)
}

func appendBytes(b []byte, v []byte) []byte {
	b = appendU32(b, uint32(len(v)))
	return append(b, v...)
}

func take(b []byte, dst []byte) ([]byte, error) {
	if len(b) < len(dst) {
		return nil, fmt.Errorf("wire: truncated message")
	}
	copy(dst, b[:len(dst)])
	return b[len(dst):], nil
}

func takeU32(b []byte) (uint32, []byte, error) {
	if len(b) < 4 {
		return 0, nil, fmt.Errorf("wire: truncated uint32")
	}
	return binary.BigEndian.Uint32(b[:4]), b[4:], nil
}

func takeBytes(b []byte) ([]byte, []byte, error) {
	n, b, err := takeU32(b)
	if err != nil {
		return nil, nil, err
	}
	if uint32(len(b)) < n {
		return nil, nil, fmt.Errorf("wire: truncated byte slice")
	}
	out := append([]byte(nil), b[:n]...)
	return out, b[n:], nil
}

// SubmitCertificateRequest carries a certificate into the broadcast.
type SubmitCertificateRequest struct {
	Certificate Certificate
}

// SubmitCertificateResponse acknowledges a submission was accepted into the
// broadcast pipeline (not that it has been delivered).
type SubmitCertificateResponse struct{}

// GetSourceHeadRequest asks for the current head of a source subnet.
type GetSourceHeadRequest struct {
	SubnetId [32]byte
}

// GetSourceHeadResponse reports the current head certificate and position.
type GetSourceHeadResponse struct {
	SubnetId    [32]byte
	Certificate Certificate
	Position    uint64
}

// OpenStream is the first message a WatchCertificates client sends,
// declaring the target subnets it wants and the source checkpoint it wants
// to resume from.
type OpenStream struct {
	TargetSubnetIds []([32]byte)
	SourcePositions map[[32]byte]uint64
}

// StreamOpened acknowledges a successful OpenStream handshake, confirming
// the actual set of target subnet ids the server subscribed the stream to.
type StreamOpened struct {
	StreamId  string
	SubnetIds [][32]byte
}

// CertificatePushed is a server->client push of a newly-available
// certificate for one of the stream's subscribed target subnets.
type CertificatePushed struct {
	Certificate Certificate
	Position    uint64
}

// Envelope is the outermost framing: one MessageType byte followed by the
// type-specific payload. Exactly one of the typed fields is populated,
// matching the spec's oneof framing without requiring generated descriptor
// code.
type Envelope struct {
	Type MessageType

	SubmitCertificateRequest  *SubmitCertificateRequest
	SubmitCertificateResponse *SubmitCertificateResponse
	GetSourceHeadRequest      *GetSourceHeadRequest
	GetSourceHeadResponse     *GetSourceHeadResponse
	OpenStream                *OpenStream
	StreamOpened              *StreamOpened
	CertificatePushed         *CertificatePushed
}

// MarshalBinary implements encoding.BinaryMarshaler, used by the "topos"
// grpc codec.
func (e *Envelope) MarshalBinary() ([]byte, error) {
	b := []byte{byte(e.Type)}
	switch e.Type {
	case TypeSubmitCertificateRequest:
		b = e.SubmitCertificateRequest.Certificate.marshalTo(b)
	case TypeSubmitCertificateResponse:
		// no payload
	case TypeGetSourceHeadRequest:
		b = append(b, e.GetSourceHeadRequest.SubnetId[:]...)
	case TypeGetSourceHeadResponse:
		b = append(b, e.GetSourceHeadResponse.SubnetId[:]...)
		b = e.GetSourceHeadResponse.Certificate.marshalTo(b)
		b = appendU32(b, uint32(e.GetSourceHeadResponse.Position>>32))
		b = appendU32(b, uint32(e.GetSourceHeadResponse.Position))
	case TypeOpenStream:
		b = appendU32(b, uint32(len(e.OpenStream.TargetSubnetIds)))
		for _, t := range e.OpenStream.TargetSubnetIds {
			b = append(b, t[:]...)
		}
		b = appendU32(b, uint32(len(e.OpenStream.SourcePositions)))
		for subnet, pos := range e.OpenStream.SourcePositions {
			b = append(b, subnet[:]...)
			b = appendU32(b, uint32(pos>>32))
			b = appendU32(b, uint32(pos))
		}
	case TypeStreamOpened:
		b = appendBytes(b, []byte(e.StreamOpened.StreamId))
		b = appendU32(b, uint32(len(e.StreamOpened.SubnetIds)))
		for _, t := range e.StreamOpened.SubnetIds {
			b = append(b, t[:]...)
		}
	case TypeCertificatePushed:
		b = e.CertificatePushed.Certificate.marshalTo(b)
		b = appendU32(b, uint32(e.CertificatePushed.Position>>32))
		b = appendU32(b, uint32(e.CertificatePushed.Position))
	default:
		return nil, fmt.Errorf("wire: unknown message type %d", e.Type)
	}
	return b, nil
}

// UnmarshalBinary implements encoding.BinaryUnmarshaler.
func (e *Envelope) UnmarshalBinary(data []byte) error {
	if len(data) < 1 {
		return fmt.Errorf("wire: empty message")
	}
	e.Type = MessageType(data[0])
	b := data[1:]

	switch e.Type {
	case TypeSubmitCertificateRequest:
		cert, _, err := unmarshalCertificate(b)
		if err != nil {
			return err
		}
		e.SubmitCertificateRequest = &SubmitCertificateRequest{Certificate: cert}
	case TypeSubmitCertificateResponse:
		e.SubmitCertificateResponse = &SubmitCertificateResponse{}
	case TypeGetSourceHeadRequest:
		var req GetSourceHeadRequest
		if _, err := take(b, req.SubnetId[:]); err != nil {
			return err
		}
		e.GetSourceHeadRequest = &req
	case TypeGetSourceHeadResponse:
		var resp GetSourceHeadResponse
		var err error
		if b, err = take(b, resp.SubnetId[:]); err != nil {
			return err
		}
		resp.Certificate, b, err = unmarshalCertificate(b)
		if err != nil {
			return err
		}
		hi, lo, err := takeU64Halves(b)
		if err != nil {
			return err
		}
		resp.Position = hi<<32 | lo
		e.GetSourceHeadResponse = &resp
	case TypeOpenStream:
		var req OpenStream
		count, rest, err := takeU32(b)
		if err != nil {
			return err
		}
		b = rest
		req.TargetSubnetIds = make([][32]byte, count)
		for i := range req.TargetSubnetIds {
			if b, err = take(b, req.TargetSubnetIds[i][:]); err != nil {
				return err
			}
		}
		posCount, rest2, err := takeU32(b)
		if err != nil {
			return err
		}
		b = rest2
		req.SourcePositions = make(map[[32]byte]uint64, posCount)
		for i := uint32(0); i < posCount; i++ {
			var subnet [32]byte
			if b, err = take(b, subnet[:]); err != nil {
				return err
			}
			hi, lo, err := takeU32Pair(b)
			if err != nil {
				return err
			}
			b = b[8:]
			req.SourcePositions[subnet] = uint64(hi)<<32 | uint64(lo)
		}
		e.OpenStream = &req
	case TypeStreamOpened:
		idBytes, rest, err := takeBytes(b)
		if err != nil {
			return err
		}
		count, rest, err := takeU32(rest)
		if err != nil {
			return err
		}
		subnetIds := make([][32]byte, count)
		for i := range subnetIds {
			if rest, err = take(rest, subnetIds[i][:]); err != nil {
				return err
			}
		}
		e.StreamOpened = &StreamOpened{StreamId: string(idBytes), SubnetIds: subnetIds}
	case TypeCertificatePushed:
		var push CertificatePushed
		cert, rest, err := unmarshalCertificate(b)
		if err != nil {
			return err
		}
		push.Certificate = cert
		hi, lo, err := takeU64Halves(rest)
		if err != nil {
			return err
		}
		push.Position = hi<<32 | lo
		e.CertificatePushed = &push
	default:
		return fmt.Errorf("wire: unknown message type %d", e.Type)
	}
	return nil
}

func takeU64Halves(b []byte) (hi, lo uint64, err error) {
	h, b, err := takeU32(b)
	if err != nil {
		return 0, 0, err
	}
	l, _, err := takeU32(b)
	if err != nil {
		return 0, 0, err
	}
	return uint64(h), uint64(l), nil
}

func takeU32Pair(b []byte) (hi, lo uint32, err error) {
	if len(b) < 8 {
		return 0, 0, fmt.Errorf("wire: truncated uint64")
	}
	return binary.BigEndian.Uint32(b[:4]), binary.BigEndian.Uint32(b[4:8]), nil
}
