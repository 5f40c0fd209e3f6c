package conversation

import (
	"bytes"
	"crypto/rand"
	"crypto/sha256"
	"errors"

	"github.com/shurlinet/profileserver/internal/identity"
	"github.com/shurlinet/profileserver/internal/imagestore"
	"github.com/shurlinet/profileserver/internal/protoerr"
	"github.com/shurlinet/profileserver/internal/roleserver"
	"github.com/shurlinet/profileserver/internal/search"
	"github.com/shurlinet/profileserver/internal/storage"
	"github.com/shurlinet/profileserver/internal/wire"
	"gorm.io/gorm"
)

// MaxRelatedIdentityPayload bounds AddRelatedIdentity's card size.
const MaxRelatedIdentityPayload = 200

func (c *Conversation) handleStartConversation(payload []byte) ([]byte, *protoerr.Error) {
	var req wire.StartConversationRequest
	if err := req.Unmarshal(payload); err != nil {
		return nil, protoerr.Wrap(protoerr.KindProtocolViolation, "malformed StartConversationRequest", err)
	}
	if len(req.PublicKey) != identity.PublicKeySize {
		return nil, protoerr.New(protoerr.KindInvalidValue, "public key has wrong length")
	}
	if !identity.Verify(req.PublicKey, req.SignedBytes(), req.Signature) {
		return nil, protoerr.New(protoerr.KindSignature, "StartConversation self-signature verification failed")
	}

	selected := selectVersion(req.SupportedVersions)
	if selected == "" {
		return nil, protoerr.New(protoerr.KindProtocolViolation, "no supported protocol version offered")
	}

	challenge := make([]byte, 32)
	if _, err := rand.Read(challenge); err != nil {
		return nil, protoerr.Wrap(protoerr.KindInternal, "generate server challenge", err)
	}

	c.clientPublicKey = append([]byte(nil), req.PublicKey...)
	c.clientChallenge = challenge
	c.version = selected
	c.state = StateStarted

	resp := &wire.StartConversationResponse{
		SelectedVersion: selected,
		ServerChallenge: challenge,
		Signature:       c.deps.NetworkIdentity.Sign(challenge),
	}
	return resp.Marshal(), nil
}

// SupportedVersions is the set of protocol versions this server pins,
// highest first; the server picks the highest one the client offers.
var SupportedVersions = []string{"1.1", "1.0"}

func selectVersion(offered []string) string {
	for _, supported := range SupportedVersions {
		for _, o := range offered {
			if o == supported {
				return supported
			}
		}
	}
	return ""
}

func (c *Conversation) handleHomeNodeRequest(payload []byte) ([]byte, *protoerr.Error) {
	var req wire.HomeNodeRequest
	if err := req.Unmarshal(payload); err != nil {
		return nil, protoerr.Wrap(protoerr.KindProtocolViolation, "malformed HomeNodeRequest", err)
	}
	if !bytes.Equal(req.PublicKey, c.clientPublicKey) {
		return nil, protoerr.New(protoerr.KindInvalidValue, "public key does not match conversation's verified key")
	}

	id := identity.IDFromPublicKey(c.clientPublicKey)
	var row *storage.IdentityRow
	err := storage.WithTransaction(c.deps.DB, func(tx *gorm.DB) error {
		var err error
		row, err = c.deps.Home.CreateTx(tx, id, c.clientPublicKey)
		if err != nil {
			return err
		}
		return c.enqueueAction(tx, wire.ActionAddProfile, row)
	})
	if err != nil {
		if errors.Is(err, storage.ErrQuotaExceeded) {
			return nil, protoerr.Wrap(protoerr.KindQuotaExceeded, "max_hosted_identities reached", err)
		}
		return nil, protoerr.Wrap(protoerr.KindInternal, "create hosted identity", err)
	}

	c.hostedIdentity = row.ID()
	c.state = StateVerified
	return (&wire.HomeNodeResponse{}).Marshal(), nil
}

func (c *Conversation) handleCheckIn(payload []byte) ([]byte, *protoerr.Error) {
	var req wire.CheckInRequest
	if err := req.Unmarshal(payload); err != nil {
		return nil, protoerr.Wrap(protoerr.KindProtocolViolation, "malformed CheckInRequest", err)
	}

	var id identity.ID
	copy(id[:], req.IdentityID)
	row, err := c.deps.Home.Get(id)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, protoerr.Wrap(protoerr.KindNotFound, "unknown hosted identity", err)
		}
		return nil, protoerr.Wrap(protoerr.KindInternal, "look up hosted identity", err)
	}
	if row.ExpiresAt != nil {
		return nil, protoerr.New(protoerr.KindInvalidValue, "hosting agreement expired")
	}
	if !identity.Verify(row.PublicKey, c.clientChallenge, req.ChallengeSignature) {
		return nil, protoerr.New(protoerr.KindSignature, "CheckIn challenge signature verification failed")
	}

	c.hostedIdentity = id
	c.state = StateCheckedIn
	_ = c.conn.SetPostAuthDeadline()
	return (&wire.CheckInResponse{}).Marshal(), nil
}

func (c *Conversation) handleUpdateProfile(payload []byte) ([]byte, *protoerr.Error) {
	var req wire.UpdateProfileRequest
	if err := req.Unmarshal(payload); err != nil {
		return nil, protoerr.Wrap(protoerr.KindProtocolViolation, "malformed UpdateProfileRequest", err)
	}

	row, err := c.deps.Home.Get(c.hostedIdentity)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, protoerr.Wrap(protoerr.KindNotFound, "unknown hosted identity", err)
		}
		return nil, protoerr.Wrap(protoerr.KindInternal, "look up hosted identity for update", err)
	}

	if !identity.Verify(row.PublicKey, updateProfileSignedBytes(&req), req.Signature) {
		return nil, protoerr.New(protoerr.KindSignature, "UpdateProfile signature verification failed")
	}
	if perr := validateProfileFields(&req); perr != nil {
		return nil, perr
	}

	staleProfileImage := append([]byte(nil), row.ProfileImageHandle...)
	staleThumbnail := append([]byte(nil), row.ThumbnailImageHandle...)

	if req.SetVersion {
		row.VersionMajor, row.VersionMinor, row.VersionPatch = req.VersionMaj, req.VersionMin, req.VersionPat
	}
	if req.SetName {
		row.Name = req.Name
	}
	if req.SetType {
		row.Type = req.Type
	}
	if req.SetLocation {
		row.HasLocation = true
		row.Latitude, row.Longitude = req.Latitude, req.Longitude
	}
	if req.SetExtraData {
		row.ExtraData = req.ExtraData
	}

	var respImageHandle, respThumbHandle []byte
	if req.SetImage {
		if len(req.ImageData) > imagestore.MaxProfileImageBytes {
			return nil, protoerr.New(protoerr.KindInvalidValue, "profile image exceeds size cap")
		}
		h, err := c.deps.Images.SaveProfileImage(req.ImageData)
		if err != nil {
			return nil, protoerr.Wrap(protoerr.KindInvalidValue, "store profile image", err)
		}
		row.ProfileImageHandle = h[:]
		respImageHandle = h[:]
	}
	if req.SetThumbnail {
		if len(req.ThumbnailData) > imagestore.MaxThumbnailImageBytes {
			return nil, protoerr.New(protoerr.KindInvalidValue, "thumbnail image exceeds size cap")
		}
		h, err := c.deps.Images.SaveThumbnailImage(req.ThumbnailData)
		if err != nil {
			return nil, protoerr.Wrap(protoerr.KindInvalidValue, "store thumbnail image", err)
		}
		row.ThumbnailImageHandle = h[:]
		respThumbHandle = h[:]
	}

	if err := storage.WithTransaction(c.deps.DB, func(tx *gorm.DB) error {
		if err := c.deps.Home.UpdateTx(tx, row); err != nil {
			return err
		}
		return c.enqueueAction(tx, wire.ActionChangeProfile, row)
	}); err != nil {
		return nil, protoerr.Wrap(protoerr.KindInternal, "persist profile update", err)
	}
	c.deps.Search.Invalidate()

	// Old image blobs are scheduled for deletion only after the row update
	// above has committed.
	if req.SetImage && len(staleProfileImage) > 0 {
		var old imagestore.Handle
		copy(old[:], staleProfileImage)
		_ = c.deps.Images.Delete(old)
	}
	if req.SetThumbnail && len(staleThumbnail) > 0 {
		var old imagestore.Handle
		copy(old[:], staleThumbnail)
		_ = c.deps.Images.Delete(old)
	}

	return (&wire.UpdateProfileResponse{ProfileImageHandle: respImageHandle, ThumbnailImageHandle: respThumbHandle}).Marshal(), nil
}

// validateProfileFields enforces the profile schema bounds on whichever
// fields the request's mask selects: name ≤ 64 UTF-8 bytes, type ≤ 32,
// extra-data ≤ 200, GPS within range, and image bodies matching their
// declared SHA-256.
func validateProfileFields(req *wire.UpdateProfileRequest) *protoerr.Error {
	if req.SetName && len(req.Name) > 64 {
		return protoerr.New(protoerr.KindInvalidValue, "name exceeds 64 bytes")
	}
	if req.SetType && (req.Type == "" || len(req.Type) > 32) {
		return protoerr.New(protoerr.KindInvalidValue, "type must be 1-32 bytes")
	}
	if req.SetExtraData && len(req.ExtraData) > 200 {
		return protoerr.New(protoerr.KindInvalidValue, "extra-data exceeds 200 bytes")
	}
	if req.SetLocation {
		if req.Latitude < -90 || req.Latitude > 90 || req.Longitude <= -180 || req.Longitude > 180 {
			return protoerr.New(protoerr.KindInvalidValue, "GPS location out of range")
		}
	}
	if req.SetImage && len(req.ImageHash) > 0 {
		sum := sha256.Sum256(req.ImageData)
		if !bytes.Equal(sum[:], req.ImageHash) {
			return protoerr.New(protoerr.KindInvalidValue, "image data does not match declared SHA-256")
		}
	}
	if req.SetThumbnail && len(req.ThumbnailHash) > 0 {
		sum := sha256.Sum256(req.ThumbnailData)
		if !bytes.Equal(sum[:], req.ThumbnailHash) {
			return protoerr.New(protoerr.KindInvalidValue, "thumbnail data does not match declared SHA-256")
		}
	}
	return nil
}

// updateProfileSignedBytes mirrors UpdateProfileRequest.Marshal but without
// the Signature field: the full updated profile is what the client
// re-signs.
func updateProfileSignedBytes(req *wire.UpdateProfileRequest) []byte {
	unsigned := *req
	unsigned.Signature = nil
	return unsigned.Marshal()
}

func (c *Conversation) handleProfileSearch(payload []byte) ([]byte, *protoerr.Error) {
	var req wire.ProfileSearchRequest
	if err := req.Unmarshal(payload); err != nil {
		return nil, protoerr.Wrap(protoerr.KindProtocolViolation, "malformed ProfileSearchRequest", err)
	}

	resultCap := SearchCapClientTLS
	if c.role == roleserver.RoleClientNonTLS {
		resultCap = SearchCapClientNonTLS
	}

	result, err := c.deps.Search.Search(search.Request{
		TypeWildcard:       req.TypeWildcard,
		NameWildcard:       req.NameWildcard,
		HasLocation:        req.HasLocation,
		Latitude:           req.Latitude,
		Longitude:          req.Longitude,
		RadiusMeters:       req.RadiusMeters,
		ExtraDataSubstring: req.ExtraDataSubstring,
		IncludeHostedOnly:  req.IncludeHostedOnly,
		MaxResponseRecords: req.MaxResponseRecords,
		RecordOffset:       req.RecordOffset,
		ResultCap:          resultCap,
	})
	if err != nil {
		return nil, protoerr.Wrap(protoerr.KindInternal, "search profiles", err)
	}
	return (&wire.ProfileSearchResponse{Results: result.Summaries, TotalMatched: result.TotalMatched}).Marshal(), nil
}

func (c *Conversation) handleAddRelatedIdentity(payload []byte) ([]byte, *protoerr.Error) {
	var req wire.AddRelatedIdentityRequest
	if err := req.Unmarshal(payload); err != nil {
		return nil, protoerr.Wrap(protoerr.KindProtocolViolation, "malformed AddRelatedIdentityRequest", err)
	}
	if len(req.Payload) > MaxRelatedIdentityPayload {
		return nil, protoerr.New(protoerr.KindInvalidValue, "relationship card payload too large")
	}
	unsigned := req
	unsigned.Signature = nil
	if !identity.Verify(c.clientPublicKey, unsigned.Marshal(), req.Signature) {
		return nil, protoerr.New(protoerr.KindSignature, "relationship card signature verification failed")
	}

	selfID := identity.IDFromPublicKey(c.clientPublicKey)
	c.deps.Relationships.Add(selfID[:], req.RelatedIdentityID)
	return (&wire.AddRelatedIdentityResponse{}).Marshal(), nil
}

func (c *Conversation) handleGetIdentityRelationships(payload []byte) ([]byte, *protoerr.Error) {
	var req wire.GetIdentityRelationshipsInformationRequest
	if err := req.Unmarshal(payload); err != nil {
		return nil, protoerr.Wrap(protoerr.KindProtocolViolation, "malformed GetIdentityRelationshipsInformationRequest", err)
	}
	related := c.deps.Relationships.Get(req.IdentityID)
	return (&wire.GetIdentityRelationshipsInformationResponse{RelatedIdentityIDs: related}).Marshal(), nil
}

func (c *Conversation) handleApplicationServiceAdd(payload []byte) ([]byte, *protoerr.Error) {
	var req wire.ApplicationServiceAddRequest
	if err := req.Unmarshal(payload); err != nil {
		return nil, protoerr.Wrap(protoerr.KindProtocolViolation, "malformed ApplicationServiceAddRequest", err)
	}
	if req.ServiceName == "" {
		return nil, protoerr.New(protoerr.KindInvalidValue, "service name must not be empty")
	}
	return (&wire.ApplicationServiceAddResponse{}).Marshal(), nil
}

func (c *Conversation) handleApplicationServiceMessage(payload []byte) ([]byte, *protoerr.Error) {
	var req wire.ApplicationServiceMessage
	if err := req.Unmarshal(payload); err != nil {
		return nil, protoerr.Wrap(protoerr.KindProtocolViolation, "malformed ApplicationServiceMessage", err)
	}
	peer, ok := c.deps.Hub.Pair(req.ChannelName, c)
	if !ok {
		return nil, protoerr.New(protoerr.KindNotFound, "no peer registered on this channel yet")
	}
	c.state = StateRelaying
	c.channelName = req.ChannelName
	go relay(c, peer)
	return (&wire.ApplicationServiceAddResponse{}).Marshal(), nil
}

func (c *Conversation) handleListRoles(payload []byte) ([]byte, *protoerr.Error) {
	return (&wire.ListRolesResponse{
		PrimaryPort:       c.deps.Ports.Primary,
		ClientNonTLSPort:  c.deps.Ports.ClientNonTLS,
		ClientTLSPort:     c.deps.Ports.ClientTLS,
		AppServiceTLSPort: c.deps.Ports.AppServiceTLS,
	}).Marshal(), nil
}

func (c *Conversation) handleCancelHostingAgreement(payload []byte) ([]byte, *protoerr.Error) {
	var req wire.CancelHostingAgreementRequest
	if err := req.Unmarshal(payload); err != nil {
		return nil, protoerr.Wrap(protoerr.KindProtocolViolation, "malformed CancelHostingAgreementRequest", err)
	}
	row, err := c.deps.Home.Get(c.hostedIdentity)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, protoerr.Wrap(protoerr.KindNotFound, "unknown hosted identity", err)
		}
		return nil, protoerr.Wrap(protoerr.KindInternal, "look up hosted identity for cancellation", err)
	}
	unsigned := req
	unsigned.Signature = nil
	if !identity.Verify(row.PublicKey, unsigned.Marshal(), req.Signature) {
		return nil, protoerr.New(protoerr.KindSignature, "CancelHostingAgreement signature verification failed")
	}

	if err := storage.WithTransaction(c.deps.DB, func(tx *gorm.DB) error {
		if err := c.deps.Home.Expire(tx, c.hostedIdentity); err != nil {
			return err
		}
		return c.enqueueAction(tx, wire.ActionRemoveProfile, row)
	}); err != nil {
		return nil, protoerr.Wrap(protoerr.KindInternal, "expire hosted identity", err)
	}
	c.deps.Search.Invalidate()
	return (&wire.CancelHostingAgreementResponse{}).Marshal(), nil
}

// enqueueAction fans the mutation out to every follower inside tx. A nil
// Outbox (no replication wired) is a no-op.
func (c *Conversation) enqueueAction(tx *gorm.DB, kind wire.NeighborhoodActionKind, row *storage.IdentityRow) error {
	if c.deps.Outbox == nil {
		return nil
	}
	return c.deps.Outbox.EnqueueTx(tx, kind, row)
}
