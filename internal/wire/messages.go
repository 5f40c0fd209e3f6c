package wire

import "google.golang.org/protobuf/encoding/protowire"

// Messages below are the payloads carried inside Request.Payload /
// Response.Payload for each MessageType. Field numbers are
// local to each message type and have no relation to the envelope's own
// field numbers in envelope.go.

// --- conversation / role-server messages ---

// StartConversationRequest opens a conversation. Signature is the client's
// Ed25519 self-signature over SignedBytes (the encoded PublicKey,
// SupportedVersions and ClientChallenge fields), proving possession
// of the private key for PublicKey before the server commits any state.
type StartConversationRequest struct {
	PublicKey         []byte
	SupportedVersions []string
	ClientChallenge   []byte
	Signature         []byte
}

func (m *StartConversationRequest) Marshal() []byte {
	var b builder
	b.bytesField(1, m.PublicKey)
	b.repeatedString(2, m.SupportedVersions)
	b.bytesField(3, m.ClientChallenge)
	b.bytesField(4, m.Signature)
	return b.bytes()
}

func (m *StartConversationRequest) Unmarshal(data []byte) error {
	return walkFields(data, func(num protowire.Number, typ protowire.Type, data []byte) ([]byte, error) {
		switch {
		case num == 1 && typ == protowire.BytesType:
			v, rest, err := consumeBytes(data)
			m.PublicKey = v
			return rest, err
		case num == 2 && typ == protowire.BytesType:
			v, rest, err := consumeBytes(data)
			m.SupportedVersions = append(m.SupportedVersions, string(v))
			return rest, err
		case num == 3 && typ == protowire.BytesType:
			v, rest, err := consumeBytes(data)
			m.ClientChallenge = v
			return rest, err
		case num == 4 && typ == protowire.BytesType:
			v, rest, err := consumeBytes(data)
			m.Signature = v
			return rest, err
		default:
			return skipField(num, typ, data)
		}
	})
}

// SignedBytes returns the bytes Signature is computed over: every field of
// the request except Signature itself.
func (m *StartConversationRequest) SignedBytes() []byte {
	var b builder
	b.bytesField(1, m.PublicKey)
	b.repeatedString(2, m.SupportedVersions)
	b.bytesField(3, m.ClientChallenge)
	return b.bytes()
}

type StartConversationResponse struct {
	SelectedVersion string
	ServerChallenge []byte
	Signature       []byte
}

func (m *StartConversationResponse) Marshal() []byte {
	var b builder
	b.stringField(1, m.SelectedVersion)
	b.bytesField(2, m.ServerChallenge)
	b.bytesField(3, m.Signature)
	return b.bytes()
}

func (m *StartConversationResponse) Unmarshal(data []byte) error {
	return walkFields(data, func(num protowire.Number, typ protowire.Type, data []byte) ([]byte, error) {
		switch {
		case num == 1 && typ == protowire.BytesType:
			v, rest, err := consumeBytes(data)
			m.SelectedVersion = string(v)
			return rest, err
		case num == 2 && typ == protowire.BytesType:
			v, rest, err := consumeBytes(data)
			m.ServerChallenge = v
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

type HomeNodeRequest struct {
	PublicKey []byte
}

func (m *HomeNodeRequest) Marshal() []byte {
	var b builder
	b.bytesField(1, m.PublicKey)
	return b.bytes()
}

func (m *HomeNodeRequest) Unmarshal(data []byte) error {
	return walkFields(data, func(num protowire.Number, typ protowire.Type, data []byte) ([]byte, error) {
		if num == 1 && typ == protowire.BytesType {
			v, rest, err := consumeBytes(data)
			m.PublicKey = v
			return rest, err
		}
		return skipField(num, typ, data)
	})
}

type HomeNodeResponse struct{}

func (m *HomeNodeResponse) Marshal() []byte           { return nil }
func (m *HomeNodeResponse) Unmarshal(data []byte) error { return walkFields(data, skipField) }

type CheckInRequest struct {
	IdentityID          []byte
	ChallengeSignature  []byte
}

func (m *CheckInRequest) Marshal() []byte {
	var b builder
	b.bytesField(1, m.IdentityID)
	b.bytesField(2, m.ChallengeSignature)
	return b.bytes()
}

func (m *CheckInRequest) Unmarshal(data []byte) error {
	return walkFields(data, func(num protowire.Number, typ protowire.Type, data []byte) ([]byte, error) {
		switch {
		case num == 1 && typ == protowire.BytesType:
			v, rest, err := consumeBytes(data)
			m.IdentityID = v
			return rest, err
		case num == 2 && typ == protowire.BytesType:
			v, rest, err := consumeBytes(data)
			m.ChallengeSignature = v
			return rest, err
		default:
			return skipField(num, typ, data)
		}
	})
}

type CheckInResponse struct{}

func (m *CheckInResponse) Marshal() []byte             { return nil }
func (m *CheckInResponse) Unmarshal(data []byte) error { return walkFields(data, skipField) }

// UpdateProfileRequest carries a sparse field-mask update: only Setters
// marked true are applied.
type UpdateProfileRequest struct {
	IdentityID []byte

	SetVersion bool
	VersionMaj uint32
	VersionMin uint32
	VersionPat uint32

	SetName bool
	Name    string

	SetType bool
	Type    string

	SetLocation bool
	Latitude    float64
	Longitude   float64

	SetExtraData bool
	ExtraData    string

	SetImage      bool
	ImageData     []byte
	ImageHash     []byte // SHA-256 of ImageData, checked before storage
	SetThumbnail  bool
	ThumbnailData []byte
	ThumbnailHash []byte

	Signature []byte
}

func (m *UpdateProfileRequest) Marshal() []byte {
	var b builder
	b.bytesField(1, m.IdentityID)
	b.boolField(2, m.SetVersion)
	b.varint(3, uint64(m.VersionMaj))
	b.varint(4, uint64(m.VersionMin))
	b.varint(5, uint64(m.VersionPat))
	b.boolField(6, m.SetName)
	b.stringField(7, m.Name)
	b.boolField(8, m.SetType)
	b.stringField(9, m.Type)
	b.boolField(10, m.SetLocation)
	b.fixed64(11, m.Latitude)
	b.fixed64(12, m.Longitude)
	b.boolField(13, m.SetExtraData)
	b.stringField(14, m.ExtraData)
	b.boolField(15, m.SetImage)
	b.bytesField(16, m.ImageData)
	b.boolField(17, m.SetThumbnail)
	b.bytesField(18, m.ThumbnailData)
	b.bytesField(19, m.Signature)
	b.bytesField(20, m.ImageHash)
	b.bytesField(21, m.ThumbnailHash)
	return b.bytes()
}

func (m *UpdateProfileRequest) Unmarshal(data []byte) error {
	return walkFields(data, func(num protowire.Number, typ protowire.Type, data []byte) ([]byte, error) {
		switch {
		case num == 1 && typ == protowire.BytesType:
			v, rest, err := consumeBytes(data)
			m.IdentityID = v
			return rest, err
		case num == 2 && typ == protowire.VarintType:
			v, rest, err := consumeVarint(data)
			m.SetVersion = v != 0
			return rest, err
		case num == 3 && typ == protowire.VarintType:
			v, rest, err := consumeVarint(data)
			m.VersionMaj = uint32(v)
			return rest, err
		case num == 4 && typ == protowire.VarintType:
			v, rest, err := consumeVarint(data)
			m.VersionMin = uint32(v)
			return rest, err
		case num == 5 && typ == protowire.VarintType:
			v, rest, err := consumeVarint(data)
			m.VersionPat = uint32(v)
			return rest, err
		case num == 6 && typ == protowire.VarintType:
			v, rest, err := consumeVarint(data)
			m.SetName = v != 0
			return rest, err
		case num == 7 && typ == protowire.BytesType:
			v, rest, err := consumeBytes(data)
			m.Name = string(v)
			return rest, err
		case num == 8 && typ == protowire.VarintType:
			v, rest, err := consumeVarint(data)
			m.SetType = v != 0
			return rest, err
		case num == 9 && typ == protowire.BytesType:
			v, rest, err := consumeBytes(data)
			m.Type = string(v)
			return rest, err
		case num == 10 && typ == protowire.VarintType:
			v, rest, err := consumeVarint(data)
			m.SetLocation = v != 0
			return rest, err
		case num == 11 && typ == protowire.Fixed64Type:
			v, rest, err := consumeFloat64(data)
			m.Latitude = v
			return rest, err
		case num == 12 && typ == protowire.Fixed64Type:
			v, rest, err := consumeFloat64(data)
			m.Longitude = v
			return rest, err
		case num == 13 && typ == protowire.VarintType:
			v, rest, err := consumeVarint(data)
			m.SetExtraData = v != 0
			return rest, err
		case num == 14 && typ == protowire.BytesType:
			v, rest, err := consumeBytes(data)
			m.ExtraData = string(v)
			return rest, err
		case num == 15 && typ == protowire.VarintType:
			v, rest, err := consumeVarint(data)
			m.SetImage = v != 0
			return rest, err
		case num == 16 && typ == protowire.BytesType:
			v, rest, err := consumeBytes(data)
			m.ImageData = v
			return rest, err
		case num == 17 && typ == protowire.VarintType:
			v, rest, err := consumeVarint(data)
			m.SetThumbnail = v != 0
			return rest, err
		case num == 18 && typ == protowire.BytesType:
			v, rest, err := consumeBytes(data)
			m.ThumbnailData = v
			return rest, err
		case num == 19 && typ == protowire.BytesType:
			v, rest, err := consumeBytes(data)
			m.Signature = v
			return rest, err
		case num == 20 && typ == protowire.BytesType:
			v, rest, err := consumeBytes(data)
			m.ImageHash = v
			return rest, err
		case num == 21 && typ == protowire.BytesType:
			v, rest, err := consumeBytes(data)
			m.ThumbnailHash = v
			return rest, err
		default:
			return skipField(num, typ, data)
		}
	})
}

type UpdateProfileResponse struct {
	ProfileImageHandle   []byte
	ThumbnailImageHandle []byte
}

func (m *UpdateProfileResponse) Marshal() []byte {
	var b builder
	b.bytesField(1, m.ProfileImageHandle)
	b.bytesField(2, m.ThumbnailImageHandle)
	return b.bytes()
}

func (m *UpdateProfileResponse) Unmarshal(data []byte) error {
	return walkFields(data, func(num protowire.Number, typ protowire.Type, data []byte) ([]byte, error) {
		switch {
		case num == 1 && typ == protowire.BytesType:
			v, rest, err := consumeBytes(data)
			m.ProfileImageHandle = v
			return rest, err
		case num == 2 && typ == protowire.BytesType:
			v, rest, err := consumeBytes(data)
			m.ThumbnailImageHandle = v
			return rest, err
		default:
			return skipField(num, typ, data)
		}
	})
}

// --- search ---

type ProfileSearchRequest struct {
	TypeWildcard       string
	NameWildcard       string
	HasLocation        bool
	Latitude           float64
	Longitude          float64
	RadiusMeters       float64
	ExtraDataSubstring string
	IncludeHostedOnly  bool
	MaxResponseRecords uint32

	// RecordOffset pages through a cached result set: the response starts
	// at this index of the full match list.
	RecordOffset uint32
}

func (m *ProfileSearchRequest) Marshal() []byte {
	var b builder
	b.stringField(1, m.TypeWildcard)
	b.stringField(2, m.NameWildcard)
	b.boolField(3, m.HasLocation)
	b.fixed64(4, m.Latitude)
	b.fixed64(5, m.Longitude)
	b.fixed64(6, m.RadiusMeters)
	b.stringField(7, m.ExtraDataSubstring)
	b.boolField(8, m.IncludeHostedOnly)
	b.varint(9, uint64(m.MaxResponseRecords))
	b.varint(10, uint64(m.RecordOffset))
	return b.bytes()
}

func (m *ProfileSearchRequest) Unmarshal(data []byte) error {
	return walkFields(data, func(num protowire.Number, typ protowire.Type, data []byte) ([]byte, error) {
		switch {
		case num == 1 && typ == protowire.BytesType:
			v, rest, err := consumeBytes(data)
			m.TypeWildcard = string(v)
			return rest, err
		case num == 2 && typ == protowire.BytesType:
			v, rest, err := consumeBytes(data)
			m.NameWildcard = string(v)
			return rest, err
		case num == 3 && typ == protowire.VarintType:
			v, rest, err := consumeVarint(data)
			m.HasLocation = v != 0
			return rest, err
		case num == 4 && typ == protowire.Fixed64Type:
			v, rest, err := consumeFloat64(data)
			m.Latitude = v
			return rest, err
		case num == 5 && typ == protowire.Fixed64Type:
			v, rest, err := consumeFloat64(data)
			m.Longitude = v
			return rest, err
		case num == 6 && typ == protowire.Fixed64Type:
			v, rest, err := consumeFloat64(data)
			m.RadiusMeters = v
			return rest, err
		case num == 7 && typ == protowire.BytesType:
			v, rest, err := consumeBytes(data)
			m.ExtraDataSubstring = string(v)
			return rest, err
		case num == 8 && typ == protowire.VarintType:
			v, rest, err := consumeVarint(data)
			m.IncludeHostedOnly = v != 0
			return rest, err
		case num == 9 && typ == protowire.VarintType:
			v, rest, err := consumeVarint(data)
			m.MaxResponseRecords = uint32(v)
			return rest, err
		case num == 10 && typ == protowire.VarintType:
			v, rest, err := consumeVarint(data)
			m.RecordOffset = uint32(v)
			return rest, err
		default:
			return skipField(num, typ, data)
		}
	})
}

type ProfileSummary struct {
	IdentityID []byte
	Name       string
	Type       string
	Latitude   float64
	Longitude  float64
	ExtraData  string
}

func (m *ProfileSummary) marshalInto(b *builder, field protowire.Number) {
	var sub builder
	sub.bytesField(1, m.IdentityID)
	sub.stringField(2, m.Name)
	sub.stringField(3, m.Type)
	sub.fixed64(4, m.Latitude)
	sub.fixed64(5, m.Longitude)
	sub.stringField(6, m.ExtraData)
	b.message(field, sub.bytes())
}

func unmarshalProfileSummary(data []byte) (*ProfileSummary, error) {
	m := &ProfileSummary{}
	err := walkFields(data, func(num protowire.Number, typ protowire.Type, data []byte) ([]byte, error) {
		switch {
		case num == 1 && typ == protowire.BytesType:
			v, rest, err := consumeBytes(data)
			m.IdentityID = v
			return rest, err
		case num == 2 && typ == protowire.BytesType:
			v, rest, err := consumeBytes(data)
			m.Name = string(v)
			return rest, err
		case num == 3 && typ == protowire.BytesType:
			v, rest, err := consumeBytes(data)
			m.Type = string(v)
			return rest, err
		case num == 4 && typ == protowire.Fixed64Type:
			v, rest, err := consumeFloat64(data)
			m.Latitude = v
			return rest, err
		case num == 5 && typ == protowire.Fixed64Type:
			v, rest, err := consumeFloat64(data)
			m.Longitude = v
			return rest, err
		case num == 6 && typ == protowire.BytesType:
			v, rest, err := consumeBytes(data)
			m.ExtraData = string(v)
			return rest, err
		default:
			return skipField(num, typ, data)
		}
	})
	return m, err
}

type ProfileSearchResponse struct {
	Results      []*ProfileSummary
	TotalMatched uint32
}

func (m *ProfileSearchResponse) Marshal() []byte {
	var b builder
	for _, r := range m.Results {
		r.marshalInto(&b, 1)
	}
	b.varint(2, uint64(m.TotalMatched))
	return b.bytes()
}

func (m *ProfileSearchResponse) Unmarshal(data []byte) error {
	return walkFields(data, func(num protowire.Number, typ protowire.Type, data []byte) ([]byte, error) {
		switch {
		case num == 1 && typ == protowire.BytesType:
			v, rest, err := consumeBytes(data)
			if err != nil {
				return nil, err
			}
			ps, err := unmarshalProfileSummary(v)
			if err != nil {
				return nil, err
			}
			m.Results = append(m.Results, ps)
			return rest, nil
		case num == 2 && typ == protowire.VarintType:
			v, rest, err := consumeVarint(data)
			m.TotalMatched = uint32(v)
			return rest, err
		default:
			return skipField(num, typ, data)
		}
	})
}

// --- relationships ---

type AddRelatedIdentityRequest struct {
	RelatedIdentityID []byte
	Payload           []byte
	Signature         []byte
}

func (m *AddRelatedIdentityRequest) Marshal() []byte {
	var b builder
	b.bytesField(1, m.RelatedIdentityID)
	b.bytesField(2, m.Payload)
	b.bytesField(3, m.Signature)
	return b.bytes()
}

func (m *AddRelatedIdentityRequest) Unmarshal(data []byte) error {
	return walkFields(data, func(num protowire.Number, typ protowire.Type, data []byte) ([]byte, error) {
		switch {
		case num == 1 && typ == protowire.BytesType:
			v, rest, err := consumeBytes(data)
			m.RelatedIdentityID = v
			return rest, err
		case num == 2 && typ == protowire.BytesType:
			v, rest, err := consumeBytes(data)
			m.Payload = v
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

type AddRelatedIdentityResponse struct{}

func (m *AddRelatedIdentityResponse) Marshal() []byte             { return nil }
func (m *AddRelatedIdentityResponse) Unmarshal(data []byte) error { return walkFields(data, skipField) }

type GetIdentityRelationshipsInformationRequest struct {
	IdentityID []byte
}

func (m *GetIdentityRelationshipsInformationRequest) Marshal() []byte {
	var b builder
	b.bytesField(1, m.IdentityID)
	return b.bytes()
}

func (m *GetIdentityRelationshipsInformationRequest) Unmarshal(data []byte) error {
	return walkFields(data, func(num protowire.Number, typ protowire.Type, data []byte) ([]byte, error) {
		if num == 1 && typ == protowire.BytesType {
			v, rest, err := consumeBytes(data)
			m.IdentityID = v
			return rest, err
		}
		return skipField(num, typ, data)
	})
}

type GetIdentityRelationshipsInformationResponse struct {
	RelatedIdentityIDs [][]byte
}

func (m *GetIdentityRelationshipsInformationResponse) Marshal() []byte {
	var b builder
	b.repeatedBytes(1, m.RelatedIdentityIDs)
	return b.bytes()
}

func (m *GetIdentityRelationshipsInformationResponse) Unmarshal(data []byte) error {
	return walkFields(data, func(num protowire.Number, typ protowire.Type, data []byte) ([]byte, error) {
		if num == 1 && typ == protowire.BytesType {
			v, rest, err := consumeBytes(data)
			m.RelatedIdentityIDs = append(m.RelatedIdentityIDs, v)
			return rest, err
		}
		return skipField(num, typ, data)
	})
}

// --- application service relaying ---

type ApplicationServiceAddRequest struct {
	ServiceName string
}

func (m *ApplicationServiceAddRequest) Marshal() []byte {
	var b builder
	b.stringField(1, m.ServiceName)
	return b.bytes()
}

func (m *ApplicationServiceAddRequest) Unmarshal(data []byte) error {
	return walkFields(data, func(num protowire.Number, typ protowire.Type, data []byte) ([]byte, error) {
		if num == 1 && typ == protowire.BytesType {
			v, rest, err := consumeBytes(data)
			m.ServiceName = string(v)
			return rest, err
		}
		return skipField(num, typ, data)
	})
}

type ApplicationServiceAddResponse struct{}

func (m *ApplicationServiceAddResponse) Marshal() []byte { return nil }
func (m *ApplicationServiceAddResponse) Unmarshal(data []byte) error {
	return walkFields(data, skipField)
}

type ApplicationServiceMessage struct {
	ChannelName string
	Payload     []byte
}

func (m *ApplicationServiceMessage) Marshal() []byte {
	var b builder
	b.stringField(1, m.ChannelName)
	b.bytesField(2, m.Payload)
	return b.bytes()
}

func (m *ApplicationServiceMessage) Unmarshal(data []byte) error {
	return walkFields(data, func(num protowire.Number, typ protowire.Type, data []byte) ([]byte, error) {
		switch {
		case num == 1 && typ == protowire.BytesType:
			v, rest, err := consumeBytes(data)
			m.ChannelName = string(v)
			return rest, err
		case num == 2 && typ == protowire.BytesType:
			v, rest, err := consumeBytes(data)
			m.Payload = v
			return rest, err
		default:
			return skipField(num, typ, data)
		}
	})
}

// --- misc role/conversation admin ---

type ListRolesRequest struct{}

func (m *ListRolesRequest) Marshal() []byte             { return nil }
func (m *ListRolesRequest) Unmarshal(data []byte) error { return walkFields(data, skipField) }

type ListRolesResponse struct {
	PrimaryPort        uint32
	ClientNonTLSPort   uint32
	ClientTLSPort      uint32
	AppServiceTLSPort  uint32
}

func (m *ListRolesResponse) Marshal() []byte {
	var b builder
	b.varint(1, uint64(m.PrimaryPort))
	b.varint(2, uint64(m.ClientNonTLSPort))
	b.varint(3, uint64(m.ClientTLSPort))
	b.varint(4, uint64(m.AppServiceTLSPort))
	return b.bytes()
}

func (m *ListRolesResponse) Unmarshal(data []byte) error {
	return walkFields(data, func(num protowire.Number, typ protowire.Type, data []byte) ([]byte, error) {
		switch {
		case num == 1 && typ == protowire.VarintType:
			v, rest, err := consumeVarint(data)
			m.PrimaryPort = uint32(v)
			return rest, err
		case num == 2 && typ == protowire.VarintType:
			v, rest, err := consumeVarint(data)
			m.ClientNonTLSPort = uint32(v)
			return rest, err
		case num == 3 && typ == protowire.VarintType:
			v, rest, err := consumeVarint(data)
			m.ClientTLSPort = uint32(v)
			return rest, err
		case num == 4 && typ == protowire.VarintType:
			v, rest, err := consumeVarint(data)
			m.AppServiceTLSPort = uint32(v)
			return rest, err
		default:
			return skipField(num, typ, data)
		}
	})
}

type CancelHostingAgreementRequest struct {
	IdentityID []byte
	Signature  []byte
}

func (m *CancelHostingAgreementRequest) Marshal() []byte {
	var b builder
	b.bytesField(1, m.IdentityID)
	b.bytesField(2, m.Signature)
	return b.bytes()
}

func (m *CancelHostingAgreementRequest) Unmarshal(data []byte) error {
	return walkFields(data, func(num protowire.Number, typ protowire.Type, data []byte) ([]byte, error) {
		switch {
		case num == 1 && typ == protowire.BytesType:
			v, rest, err := consumeBytes(data)
			m.IdentityID = v
			return rest, err
		case num == 2 && typ == protowire.BytesType:
			v, rest, err := consumeBytes(data)
			m.Signature = v
			return rest, err
		default:
			return skipField(num, typ, data)
		}
	})
}

type CancelHostingAgreementResponse struct{}

func (m *CancelHostingAgreementResponse) Marshal() []byte { return nil }
func (m *CancelHostingAgreementResponse) Unmarshal(data []byte) error {
	return walkFields(data, skipField)
}
