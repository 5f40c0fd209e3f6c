package wire

import "google.golang.org/protobuf/encoding/protowire"

// Messages below are exchanged with the Location Server and between neighboring profile servers during neighborhood
// replication.

type RegisterServiceRequest struct {
	ServiceTag []byte
	Port       uint32
	ServerIP   string
}

func (m *RegisterServiceRequest) Marshal() []byte {
	var b builder
	b.bytesField(1, m.ServiceTag)
	b.varint(2, uint64(m.Port))
	b.stringField(3, m.ServerIP)
	return b.bytes()
}

func (m *RegisterServiceRequest) Unmarshal(data []byte) error {
	return walkFields(data, func(num protowire.Number, typ protowire.Type, data []byte) ([]byte, error) {
		switch {
		case num == 1 && typ == protowire.BytesType:
			v, rest, err := consumeBytes(data)
			m.ServiceTag = v
			return rest, err
		case num == 2 && typ == protowire.VarintType:
			v, rest, err := consumeVarint(data)
			m.Port = uint32(v)
			return rest, err
		case num == 3 && typ == protowire.BytesType:
			v, rest, err := consumeBytes(data)
			m.ServerIP = string(v)
			return rest, err
		default:
			return skipField(num, typ, data)
		}
	})
}

type RegisterServiceResponse struct{}

func (m *RegisterServiceResponse) Marshal() []byte             { return nil }
func (m *RegisterServiceResponse) Unmarshal(data []byte) error { return walkFields(data, skipField) }

type DeregisterServiceRequest struct {
	ServiceTag []byte
}

func (m *DeregisterServiceRequest) Marshal() []byte {
	var b builder
	b.bytesField(1, m.ServiceTag)
	return b.bytes()
}

func (m *DeregisterServiceRequest) Unmarshal(data []byte) error {
	return walkFields(data, func(num protowire.Number, typ protowire.Type, data []byte) ([]byte, error) {
		if num == 1 && typ == protowire.BytesType {
			v, rest, err := consumeBytes(data)
			m.ServiceTag = v
			return rest, err
		}
		return skipField(num, typ, data)
	})
}

type DeregisterServiceResponse struct{}

func (m *DeregisterServiceResponse) Marshal() []byte             { return nil }
func (m *DeregisterServiceResponse) Unmarshal(data []byte) error { return walkFields(data, skipField) }

// NeighborInfo describes one neighbor server as reported by LOC.
type NeighborInfo struct {
	NetworkID      []byte
	IP             string
	NeighborPort   uint32
	DistanceMeters float64
}

func (m *NeighborInfo) marshalInto(b *builder, field protowire.Number) {
	var sub builder
	sub.bytesField(1, m.NetworkID)
	sub.stringField(2, m.IP)
	sub.varint(3, uint64(m.NeighborPort))
	sub.fixed64(4, m.DistanceMeters)
	b.message(field, sub.bytes())
}

func unmarshalNeighborInfo(data []byte) (*NeighborInfo, error) {
	m := &NeighborInfo{}
	err := walkFields(data, func(num protowire.Number, typ protowire.Type, data []byte) ([]byte, error) {
		switch {
		case num == 1 && typ == protowire.BytesType:
			v, rest, err := consumeBytes(data)
			m.NetworkID = v
			return rest, err
		case num == 2 && typ == protowire.BytesType:
			v, rest, err := consumeBytes(data)
			m.IP = string(v)
			return rest, err
		case num == 3 && typ == protowire.VarintType:
			v, rest, err := consumeVarint(data)
			m.NeighborPort = uint32(v)
			return rest, err
		case num == 4 && typ == protowire.Fixed64Type:
			v, rest, err := consumeFloat64(data)
			m.DistanceMeters = v
			return rest, err
		default:
			return skipField(num, typ, data)
		}
	})
	return m, err
}

type GetNeighbourNodesByDistanceLocalRequest struct{}

func (m *GetNeighbourNodesByDistanceLocalRequest) Marshal() []byte { return nil }
func (m *GetNeighbourNodesByDistanceLocalRequest) Unmarshal(data []byte) error {
	return walkFields(data, skipField)
}

type GetNeighbourNodesByDistanceLocalResponse struct {
	Neighbors []*NeighborInfo
}

func (m *GetNeighbourNodesByDistanceLocalResponse) Marshal() []byte {
	var b builder
	for _, n := range m.Neighbors {
		n.marshalInto(&b, 1)
	}
	return b.bytes()
}

func (m *GetNeighbourNodesByDistanceLocalResponse) Unmarshal(data []byte) error {
	return walkFields(data, func(num protowire.Number, typ protowire.Type, data []byte) ([]byte, error) {
		if num == 1 && typ == protowire.BytesType {
			v, rest, err := consumeBytes(data)
			if err != nil {
				return nil, err
			}
			ni, err := unmarshalNeighborInfo(v)
			if err != nil {
				return nil, err
			}
			m.Neighbors = append(m.Neighbors, ni)
			return rest, nil
		}
		return skipField(num, typ, data)
	})
}

// NeighbourhoodChangeNotification is pushed unsolicited by LOC over the
// long-lived registration stream when the local neighbor set changes.
type NeighbourhoodChangeNotification struct {
	Added   []*NeighborInfo
	Removed [][]byte
}

func (m *NeighbourhoodChangeNotification) Marshal() []byte {
	var b builder
	for _, n := range m.Added {
		n.marshalInto(&b, 1)
	}
	b.repeatedBytes(2, m.Removed)
	return b.bytes()
}

func (m *NeighbourhoodChangeNotification) Unmarshal(data []byte) error {
	return walkFields(data, func(num protowire.Number, typ protowire.Type, data []byte) ([]byte, error) {
		switch {
		case num == 1 && typ == protowire.BytesType:
			v, rest, err := consumeBytes(data)
			if err != nil {
				return nil, err
			}
			ni, err := unmarshalNeighborInfo(v)
			if err != nil {
				return nil, err
			}
			m.Added = append(m.Added, ni)
			return rest, nil
		case num == 2 && typ == protowire.BytesType:
			v, rest, err := consumeBytes(data)
			m.Removed = append(m.Removed, v)
			return rest, err
		default:
			return skipField(num, typ, data)
		}
	})
}

// --- neighbor-to-neighbor replication ---

type StartNeighborhoodSharingRequest struct {
	NetworkID    []byte
	CallbackIP   string
	CallbackPort uint32
}

func (m *StartNeighborhoodSharingRequest) Marshal() []byte {
	var b builder
	b.bytesField(1, m.NetworkID)
	b.stringField(2, m.CallbackIP)
	b.varint(3, uint64(m.CallbackPort))
	return b.bytes()
}

func (m *StartNeighborhoodSharingRequest) Unmarshal(data []byte) error {
	return walkFields(data, func(num protowire.Number, typ protowire.Type, data []byte) ([]byte, error) {
		switch {
		case num == 1 && typ == protowire.BytesType:
			v, rest, err := consumeBytes(data)
			m.NetworkID = v
			return rest, err
		case num == 2 && typ == protowire.BytesType:
			v, rest, err := consumeBytes(data)
			m.CallbackIP = string(v)
			return rest, err
		case num == 3 && typ == protowire.VarintType:
			v, rest, err := consumeVarint(data)
			m.CallbackPort = uint32(v)
			return rest, err
		default:
			return skipField(num, typ, data)
		}
	})
}

type StartNeighborhoodSharingResponse struct {
	Accepted bool
}

func (m *StartNeighborhoodSharingResponse) Marshal() []byte {
	var b builder
	b.boolField(1, m.Accepted)
	return b.bytes()
}

func (m *StartNeighborhoodSharingResponse) Unmarshal(data []byte) error {
	return walkFields(data, func(num protowire.Number, typ protowire.Type, data []byte) ([]byte, error) {
		if num == 1 && typ == protowire.VarintType {
			v, rest, err := consumeVarint(data)
			m.Accepted = v != 0
			return rest, err
		}
		return skipField(num, typ, data)
	})
}

// NeighborhoodInitializationRequest registers the sender as a follower of
// the receiver: the receiver creates a Follower row pointed at the callback
// endpoint and pushes its full profile snapshot there.
type NeighborhoodInitializationRequest struct {
	NetworkID    []byte
	CallbackIP   string
	CallbackPort uint32
}

func (m *NeighborhoodInitializationRequest) Marshal() []byte {
	var b builder
	b.bytesField(1, m.NetworkID)
	b.stringField(2, m.CallbackIP)
	b.varint(3, uint64(m.CallbackPort))
	return b.bytes()
}

func (m *NeighborhoodInitializationRequest) Unmarshal(data []byte) error {
	return walkFields(data, func(num protowire.Number, typ protowire.Type, data []byte) ([]byte, error) {
		switch {
		case num == 1 && typ == protowire.BytesType:
			v, rest, err := consumeBytes(data)
			m.NetworkID = v
			return rest, err
		case num == 2 && typ == protowire.BytesType:
			v, rest, err := consumeBytes(data)
			m.CallbackIP = string(v)
			return rest, err
		case num == 3 && typ == protowire.VarintType:
			v, rest, err := consumeVarint(data)
			m.CallbackPort = uint32(v)
			return rest, err
		default:
			return skipField(num, typ, data)
		}
	})
}

type NeighborhoodInitializationResponse struct {
	Accepted bool
}

func (m *NeighborhoodInitializationResponse) Marshal() []byte {
	var b builder
	b.boolField(1, m.Accepted)
	return b.bytes()
}

func (m *NeighborhoodInitializationResponse) Unmarshal(data []byte) error {
	return walkFields(data, func(num protowire.Number, typ protowire.Type, data []byte) ([]byte, error) {
		if num == 1 && typ == protowire.VarintType {
			v, rest, err := consumeVarint(data)
			m.Accepted = v != 0
			return rest, err
		}
		return skipField(num, typ, data)
	})
}

// ProfileSnapshot is one hosted-identity record as shared during
// neighborhood replication.
type ProfileSnapshot struct {
	IdentityID           []byte
	PublicKey            []byte
	Name                 string
	Type                 string
	HasLocation          bool
	Latitude             float64
	Longitude            float64
	ExtraData            string
	VersionMaj           uint32
	VersionMin           uint32
	VersionPat           uint32
	ProfileImageHandle   []byte
	ThumbnailImageHandle []byte
}

func (m *ProfileSnapshot) Marshal() []byte {
	var sub builder
	sub.bytesField(1, m.IdentityID)
	sub.bytesField(2, m.PublicKey)
	sub.stringField(3, m.Name)
	sub.stringField(4, m.Type)
	sub.boolField(5, m.HasLocation)
	sub.fixed64(6, m.Latitude)
	sub.fixed64(7, m.Longitude)
	sub.stringField(8, m.ExtraData)
	sub.varint(9, uint64(m.VersionMaj))
	sub.varint(10, uint64(m.VersionMin))
	sub.varint(11, uint64(m.VersionPat))
	sub.bytesField(12, m.ProfileImageHandle)
	sub.bytesField(13, m.ThumbnailImageHandle)
	return sub.bytes()
}

func (m *ProfileSnapshot) Unmarshal(data []byte) error {
	ps, err := unmarshalProfileSnapshot(data)
	if err != nil {
		return err
	}
	*m = *ps
	return nil
}

func (m *ProfileSnapshot) marshalInto(b *builder, field protowire.Number) {
	b.message(field, m.Marshal())
}

func unmarshalProfileSnapshot(data []byte) (*ProfileSnapshot, error) {
	m := &ProfileSnapshot{}
	err := walkFields(data, func(num protowire.Number, typ protowire.Type, data []byte) ([]byte, error) {
		switch {
		case num == 1 && typ == protowire.BytesType:
			v, rest, err := consumeBytes(data)
			m.IdentityID = v
			return rest, err
		case num == 2 && typ == protowire.BytesType:
			v, rest, err := consumeBytes(data)
			m.PublicKey = v
			return rest, err
		case num == 3 && typ == protowire.BytesType:
			v, rest, err := consumeBytes(data)
			m.Name = string(v)
			return rest, err
		case num == 4 && typ == protowire.BytesType:
			v, rest, err := consumeBytes(data)
			m.Type = string(v)
			return rest, err
		case num == 5 && typ == protowire.VarintType:
			v, rest, err := consumeVarint(data)
			m.HasLocation = v != 0
			return rest, err
		case num == 6 && typ == protowire.Fixed64Type:
			v, rest, err := consumeFloat64(data)
			m.Latitude = v
			return rest, err
		case num == 7 && typ == protowire.Fixed64Type:
			v, rest, err := consumeFloat64(data)
			m.Longitude = v
			return rest, err
		case num == 8 && typ == protowire.BytesType:
			v, rest, err := consumeBytes(data)
			m.ExtraData = string(v)
			return rest, err
		case num == 9 && typ == protowire.VarintType:
			v, rest, err := consumeVarint(data)
			m.VersionMaj = uint32(v)
			return rest, err
		case num == 10 && typ == protowire.VarintType:
			v, rest, err := consumeVarint(data)
			m.VersionMin = uint32(v)
			return rest, err
		case num == 11 && typ == protowire.VarintType:
			v, rest, err := consumeVarint(data)
			m.VersionPat = uint32(v)
			return rest, err
		case num == 12 && typ == protowire.BytesType:
			v, rest, err := consumeBytes(data)
			m.ProfileImageHandle = v
			return rest, err
		case num == 13 && typ == protowire.BytesType:
			v, rest, err := consumeBytes(data)
			m.ThumbnailImageHandle = v
			return rest, err
		default:
			return skipField(num, typ, data)
		}
	})
	return m, err
}

type NeighborhoodSharedProfileBatch struct {
	SourceNetworkID []byte
	Profiles        []*ProfileSnapshot
	ChunkIndex      uint32
	TotalChunks     uint32
}

func (m *NeighborhoodSharedProfileBatch) Marshal() []byte {
	var b builder
	b.bytesField(1, m.SourceNetworkID)
	for _, p := range m.Profiles {
		p.marshalInto(&b, 2)
	}
	b.varint(3, uint64(m.ChunkIndex))
	b.varint(4, uint64(m.TotalChunks))
	return b.bytes()
}

func (m *NeighborhoodSharedProfileBatch) Unmarshal(data []byte) error {
	return walkFields(data, func(num protowire.Number, typ protowire.Type, data []byte) ([]byte, error) {
		switch {
		case num == 1 && typ == protowire.BytesType:
			v, rest, err := consumeBytes(data)
			m.SourceNetworkID = v
			return rest, err
		case num == 2 && typ == protowire.BytesType:
			v, rest, err := consumeBytes(data)
			if err != nil {
				return nil, err
			}
			ps, err := unmarshalProfileSnapshot(v)
			if err != nil {
				return nil, err
			}
			m.Profiles = append(m.Profiles, ps)
			return rest, nil
		case num == 3 && typ == protowire.VarintType:
			v, rest, err := consumeVarint(data)
			m.ChunkIndex = uint32(v)
			return rest, err
		case num == 4 && typ == protowire.VarintType:
			v, rest, err := consumeVarint(data)
			m.TotalChunks = uint32(v)
			return rest, err
		default:
			return skipField(num, typ, data)
		}
	})
}

// NeighborhoodActionKind enumerates the incremental change feed delivered
// to followers.
type NeighborhoodActionKind uint8

const (
	ActionUnknown NeighborhoodActionKind = iota
	ActionAddProfile
	ActionChangeProfile
	ActionRemoveProfile
	ActionRefreshProfile
	ActionStopHosting
)

type NeighborhoodAction struct {
	Sequence         uint64
	Kind             NeighborhoodActionKind
	TargetIdentityID []byte
	Profile          *ProfileSnapshot // set for Add/Change/Refresh
	SourceNetworkID  []byte
	Signature        []byte // source's Ed25519 signature over SignedBytes
}

func (m *NeighborhoodAction) Marshal() []byte {
	var b builder
	b.varint(1, m.Sequence)
	b.varint(2, uint64(m.Kind))
	b.bytesField(3, m.TargetIdentityID)
	if m.Profile != nil {
		m.Profile.marshalInto(&b, 4)
	}
	b.bytesField(5, m.SourceNetworkID)
	b.bytesField(6, m.Signature)
	return b.bytes()
}

// SignedBytes is the Marshal output minus the Signature field, the exact
// bytes the source signs and the receiver verifies.
func (m *NeighborhoodAction) SignedBytes() []byte {
	unsigned := *m
	unsigned.Signature = nil
	return unsigned.Marshal()
}

func (m *NeighborhoodAction) Unmarshal(data []byte) error {
	return walkFields(data, func(num protowire.Number, typ protowire.Type, data []byte) ([]byte, error) {
		switch {
		case num == 1 && typ == protowire.VarintType:
			v, rest, err := consumeVarint(data)
			m.Sequence = v
			return rest, err
		case num == 2 && typ == protowire.VarintType:
			v, rest, err := consumeVarint(data)
			m.Kind = NeighborhoodActionKind(v)
			return rest, err
		case num == 3 && typ == protowire.BytesType:
			v, rest, err := consumeBytes(data)
			m.TargetIdentityID = v
			return rest, err
		case num == 4 && typ == protowire.BytesType:
			v, rest, err := consumeBytes(data)
			if err != nil {
				return nil, err
			}
			ps, err := unmarshalProfileSnapshot(v)
			if err != nil {
				return nil, err
			}
			m.Profile = ps
			return rest, nil
		case num == 5 && typ == protowire.BytesType:
			v, rest, err := consumeBytes(data)
			m.SourceNetworkID = v
			return rest, err
		case num == 6 && typ == protowire.BytesType:
			v, rest, err := consumeBytes(data)
			m.Signature = v
			return rest, err
		default:
			return skipField(num, typ, data)
		}
	})
}

// NeighborhoodActionResponse acknowledges one delivered action. NetworkID
// and Signature let the sender verify it reached the follower it believes
// it dialed: Signature is the receiver's Ed25519 signature over the
// delivered action's SignedBytes.
type NeighborhoodActionResponse struct {
	Accepted  bool
	NetworkID []byte
	Signature []byte
}

func (m *NeighborhoodActionResponse) Marshal() []byte {
	var b builder
	b.boolField(1, m.Accepted)
	b.bytesField(2, m.NetworkID)
	b.bytesField(3, m.Signature)
	return b.bytes()
}

func (m *NeighborhoodActionResponse) Unmarshal(data []byte) error {
	return walkFields(data, func(num protowire.Number, typ protowire.Type, data []byte) ([]byte, error) {
		switch {
		case num == 1 && typ == protowire.VarintType:
			v, rest, err := consumeVarint(data)
			m.Accepted = v != 0
			return rest, err
		case num == 2 && typ == protowire.BytesType:
			v, rest, err := consumeBytes(data)
			m.NetworkID = v
			return rest, err
		case num == 3 && typ == protowire.BytesType:
			v, rest, err := consumeBytes(data)
			m.Signature = v
			return rest, err
		default:
			return skipField(num, typ, data)
		}
	})
}
