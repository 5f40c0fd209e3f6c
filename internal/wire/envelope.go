package wire

import (
	"fmt"

	"google.golang.org/protobuf/encoding/protowire"

	"github.com/shurlinet/profileserver/internal/protoerr"
)

// Kind discriminates the envelope's request/response one-of.
type Kind uint8

const (
	KindRequest Kind = iota
	KindResponse
)

// Family discriminates the request/response/{single,conversation,localService} one-of.
type Family uint8

const (
	FamilySingle Family = iota
	FamilyConversation
	FamilyLocalService
)

// MessageType names the concrete message carried in a Request/Response payload.
type MessageType uint8

const (
	MsgUnknown MessageType = iota
	MsgStartConversation
	MsgHomeNodeRequest
	MsgCheckIn
	MsgUpdateProfile
	MsgProfileSearch
	MsgAddRelatedIdentity
	MsgGetIdentityRelationshipsInformation
	MsgApplicationServiceAdd
	MsgApplicationServiceMessage
	MsgListRoles
	MsgCancelHostingAgreement
	MsgRegisterService
	MsgDeregisterService
	MsgGetNeighbourNodesByDistanceLocal
	MsgNeighbourhoodChangeNotification
	MsgStartNeighborhoodSharing
	MsgNeighborhoodInitialization
	MsgNeighborhoodSharedProfileBatch
	MsgNeighborhoodAction
)

// StatusCode is the wire representation of protoerr.Kind, plus StatusOK.
type StatusCode uint8

const (
	StatusOK StatusCode = iota
	StatusProtocolViolation
	StatusBadConversationStatus
	StatusSignature
	StatusNotFound
	StatusAlreadyExists
	StatusQuotaExceeded
	StatusInvalidValue
	StatusBusy
	StatusInternal
)

// StatusFromKind maps a protoerr.Kind to its wire StatusCode.
func StatusFromKind(k protoerr.Kind) StatusCode {
	switch k {
	case protoerr.KindProtocolViolation:
		return StatusProtocolViolation
	case protoerr.KindBadConversationStatus:
		return StatusBadConversationStatus
	case protoerr.KindSignature:
		return StatusSignature
	case protoerr.KindNotFound:
		return StatusNotFound
	case protoerr.KindAlreadyExists:
		return StatusAlreadyExists
	case protoerr.KindQuotaExceeded:
		return StatusQuotaExceeded
	case protoerr.KindInvalidValue:
		return StatusInvalidValue
	case protoerr.KindBusy:
		return StatusBusy
	default:
		return StatusInternal
	}
}

// Request is the request half of an Envelope's one-of.
type Request struct {
	Family  Family
	Type    MessageType
	Payload []byte
}

// Response is the response half of an Envelope's one-of.
type Response struct {
	Family  Family
	Type    MessageType
	Status  StatusCode
	Payload []byte
}

// Envelope is the outer wire message: [id][version][request|response].
// Version is the protocol-version tag: empty before negotiation, then the
// SemVer string pinned at StartConversation. Receivers reject envelopes
// tagged with any other version for the lifetime of the conversation.
type Envelope struct {
	ID       uint32
	Version  string
	Kind     Kind
	Request  *Request
	Response *Response
}

const (
	fieldEnvelopeID       = 1
	fieldEnvelopeRequest  = 2
	fieldEnvelopeResponse = 3
	fieldEnvelopeVersion  = 4

	fieldSubFamily  = 1
	fieldSubType    = 2
	fieldSubPayload = 3
	fieldRespStatus = 3
	fieldRespPayload = 4
)

// EncodeEnvelope serializes env using protobuf wire encoding.
func EncodeEnvelope(env *Envelope) ([]byte, error) {
	var out []byte
	out = protowire.AppendTag(out, fieldEnvelopeID, protowire.VarintType)
	out = protowire.AppendVarint(out, uint64(env.ID))
	if env.Version != "" {
		out = protowire.AppendTag(out, fieldEnvelopeVersion, protowire.BytesType)
		out = protowire.AppendBytes(out, []byte(env.Version))
	}

	switch env.Kind {
	case KindRequest:
		if env.Request == nil {
			return nil, fmt.Errorf("envelope kind=request has nil Request")
		}
		sub := encodeRequest(env.Request)
		out = protowire.AppendTag(out, fieldEnvelopeRequest, protowire.BytesType)
		out = protowire.AppendBytes(out, sub)
	case KindResponse:
		if env.Response == nil {
			return nil, fmt.Errorf("envelope kind=response has nil Response")
		}
		sub := encodeResponse(env.Response)
		out = protowire.AppendTag(out, fieldEnvelopeResponse, protowire.BytesType)
		out = protowire.AppendBytes(out, sub)
	default:
		return nil, fmt.Errorf("unknown envelope kind %d", env.Kind)
	}
	return out, nil
}

func encodeRequest(r *Request) []byte {
	var out []byte
	out = protowire.AppendTag(out, fieldSubFamily, protowire.VarintType)
	out = protowire.AppendVarint(out, uint64(r.Family))
	out = protowire.AppendTag(out, fieldSubType, protowire.VarintType)
	out = protowire.AppendVarint(out, uint64(r.Type))
	if len(r.Payload) > 0 {
		out = protowire.AppendTag(out, fieldSubPayload, protowire.BytesType)
		out = protowire.AppendBytes(out, r.Payload)
	}
	return out
}

func encodeResponse(r *Response) []byte {
	var out []byte
	out = protowire.AppendTag(out, fieldSubFamily, protowire.VarintType)
	out = protowire.AppendVarint(out, uint64(r.Family))
	out = protowire.AppendTag(out, fieldSubType, protowire.VarintType)
	out = protowire.AppendVarint(out, uint64(r.Type))
	out = protowire.AppendTag(out, fieldRespStatus, protowire.VarintType)
	out = protowire.AppendVarint(out, uint64(r.Status))
	if len(r.Payload) > 0 {
		out = protowire.AppendTag(out, fieldRespPayload, protowire.BytesType)
		out = protowire.AppendBytes(out, r.Payload)
	}
	return out
}

// DecodeEnvelope parses a protobuf-encoded Envelope from data. Any
// malformed field, unknown required one-of, or truncated varint/bytes
// returns an error — the caller (ReadFrame) turns this into a protocol
// violation, never a panic.
func DecodeEnvelope(data []byte) (*Envelope, error) {
	env := &Envelope{}
	haveID := false
	for len(data) > 0 {
		num, typ, n := protowire.ConsumeTag(data)
		if n < 0 {
			return nil, protowire.ParseError(n)
		}
		data = data[n:]

		switch {
		case num == fieldEnvelopeID && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(data)
			if n < 0 {
				return nil, protowire.ParseError(n)
			}
			data = data[n:]
			env.ID = uint32(v)
			haveID = true
		case num == fieldEnvelopeVersion && typ == protowire.BytesType:
			v, n := protowire.ConsumeBytes(data)
			if n < 0 {
				return nil, protowire.ParseError(n)
			}
			data = data[n:]
			env.Version = string(v)
		case num == fieldEnvelopeRequest && typ == protowire.BytesType:
			v, n := protowire.ConsumeBytes(data)
			if n < 0 {
				return nil, protowire.ParseError(n)
			}
			data = data[n:]
			req, err := decodeRequest(v)
			if err != nil {
				return nil, err
			}
			env.Kind = KindRequest
			env.Request = req
		case num == fieldEnvelopeResponse && typ == protowire.BytesType:
			v, n := protowire.ConsumeBytes(data)
			if n < 0 {
				return nil, protowire.ParseError(n)
			}
			data = data[n:]
			resp, err := decodeResponse(v)
			if err != nil {
				return nil, err
			}
			env.Kind = KindResponse
			env.Response = resp
		default:
			n := protowire.ConsumeFieldValue(num, typ, data)
			if n < 0 {
				return nil, protowire.ParseError(n)
			}
			data = data[n:]
		}
	}
	if !haveID {
		return nil, fmt.Errorf("envelope missing id field")
	}
	if env.Request == nil && env.Response == nil {
		return nil, fmt.Errorf("envelope has neither request nor response")
	}
	return env, nil
}

func decodeRequest(data []byte) (*Request, error) {
	r := &Request{}
	for len(data) > 0 {
		num, typ, n := protowire.ConsumeTag(data)
		if n < 0 {
			return nil, protowire.ParseError(n)
		}
		data = data[n:]
		switch {
		case num == fieldSubFamily && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(data)
			if n < 0 {
				return nil, protowire.ParseError(n)
			}
			data = data[n:]
			r.Family = Family(v)
		case num == fieldSubType && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(data)
			if n < 0 {
				return nil, protowire.ParseError(n)
			}
			data = data[n:]
			r.Type = MessageType(v)
		case num == fieldSubPayload && typ == protowire.BytesType:
			v, n := protowire.ConsumeBytes(data)
			if n < 0 {
				return nil, protowire.ParseError(n)
			}
			data = data[n:]
			r.Payload = append([]byte(nil), v...)
		default:
			n := protowire.ConsumeFieldValue(num, typ, data)
			if n < 0 {
				return nil, protowire.ParseError(n)
			}
			data = data[n:]
		}
	}
	return r, nil
}

func decodeResponse(data []byte) (*Response, error) {
	r := &Response{}
	for len(data) > 0 {
		num, typ, n := protowire.ConsumeTag(data)
		if n < 0 {
			return nil, protowire.ParseError(n)
		}
		data = data[n:]
		switch {
		case num == fieldSubFamily && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(data)
			if n < 0 {
				return nil, protowire.ParseError(n)
			}
			data = data[n:]
			r.Family = Family(v)
		case num == fieldSubType && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(data)
			if n < 0 {
				return nil, protowire.ParseError(n)
			}
			data = data[n:]
			r.Type = MessageType(v)
		case num == fieldRespStatus && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(data)
			if n < 0 {
				return nil, protowire.ParseError(n)
			}
			data = data[n:]
			r.Status = StatusCode(v)
		case num == fieldRespPayload && typ == protowire.BytesType:
			v, n := protowire.ConsumeBytes(data)
			if n < 0 {
				return nil, protowire.ParseError(n)
			}
			data = data[n:]
			r.Payload = append([]byte(nil), v...)
		default:
			n := protowire.ConsumeFieldValue(num, typ, data)
			if n < 0 {
				return nil, protowire.ParseError(n)
			}
			data = data[n:]
		}
	}
	return r, nil
}
