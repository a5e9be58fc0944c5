package token

import (
	"time"

	"github.com/livekit/egress-control/pkg/errors"
	"github.com/livekit/protocol/auth"
	"github.com/livekit/protocol/utils"
)

const validFor = 6 * time.Hour

type Request struct {
	RoomName string `json:"roomName"`
	Identity string `json:"identity"`
	Name     string `json:"name,omitempty"`
	Metadata string `json:"metadata,omitempty"`
}

type Response struct {
	Token string `json:"token"`
	Url   string `json:"url"`
}

// Build mints a room join token. A participant identity is generated when none is given.
func Build(apiKey, secret string, req *Request) (string, error) {
	if apiKey == "" || secret == "" {
		return "", errors.ErrEgressNotConfigured
	}
	if req.RoomName == "" {
		return "", errors.ErrInvalidInput("roomName")
	}

	identity := req.Identity
	if identity == "" {
		identity = utils.NewGuid(utils.ParticipantPrefix)
	}

	t := true
	grant := &auth.VideoGrant{
		RoomJoin:       true,
		Room:           req.RoomName,
		CanSubscribe:   &t,
		CanPublish:     &t,
		CanPublishData: &t,
	}

	at := auth.NewAccessToken(apiKey, secret).
		AddGrant(grant).
		SetIdentity(identity).
		SetName(req.Name).
		SetMetadata(req.Metadata).
		SetValidFor(validFor)

	return at.ToJWT()
}
