package webhook

import (
	"context"
	"crypto/sha256"
	"encoding/base64"
	"sync"
	"testing"

	"github.com/livekit/psrpc"
	"github.com/stretchr/testify/require"
	"google.golang.org/protobuf/encoding/protojson"

	"github.com/livekit/egress-control/pkg/errors"
	"github.com/livekit/egress-control/pkg/finalizer"
	"github.com/livekit/egress-control/pkg/types"
	"github.com/livekit/protocol/auth"
	"github.com/livekit/protocol/livekit"
)

const (
	apiKey    = "APIwebhook"
	apiSecret = "webhook-secret-that-is-long-enough"
)

func sign(t *testing.T, body []byte, secret string) string {
	t.Helper()

	sum := sha256.Sum256(body)
	token, err := auth.NewAccessToken(apiKey, secret).
		SetSha256(base64.StdEncoding.EncodeToString(sum[:])).
		ToJWT()
	require.NoError(t, err)
	return token
}

func endedEvent(t *testing.T) []byte {
	t.Helper()

	body, err := protojson.Marshal(&livekit.WebhookEvent{
		Event: "egress_ended",
		Id:    "EV_1",
		EgressInfo: &livekit.EgressInfo{
			EgressId: "egress-1",
			RoomName: "room-42",
			Status:   livekit.EgressStatus_EGRESS_COMPLETE,
			FileResults: []*livekit.FileInfo{{
				Filename: "room-42_ts.mp4",
			}},
		},
	})
	require.NoError(t, err)
	return body
}

type fakeFinalizer struct {
	mu    sync.Mutex
	calls map[string]*types.TerminalResult
	err   error
}

func (f *fakeFinalizer) Finalize(_ context.Context, egressID string, result *types.TerminalResult) (*finalizer.FinalizeResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.calls == nil {
		f.calls = make(map[string]*types.TerminalResult)
	}
	f.calls[egressID] = result
	return &finalizer.FinalizeResult{EgressID: egressID}, f.err
}

func TestVerify(t *testing.T) {
	provider := auth.NewSimpleKeyProvider(apiKey, apiSecret)
	body := endedEvent(t)

	event, err := Verify(body, sign(t, body, apiSecret), provider)
	require.NoError(t, err)
	require.Equal(t, "egress_ended", event.Event)
	require.Equal(t, "egress-1", event.EgressInfo.EgressId)
}

func TestVerifyRejects(t *testing.T) {
	provider := auth.NewSimpleKeyProvider(apiKey, apiSecret)
	body := endedEvent(t)

	for name, header := range map[string]string{
		"missing header": "",
		"garbage":        "not-a-jwt",
		"wrong secret":   sign(t, body, "another-secret-that-is-long-enough"),
		"wrong body":     sign(t, []byte(`{"event":"room_finished"}`), apiSecret),
	} {
		t.Run(name, func(t *testing.T) {
			_, err := Verify(body, header, provider)
			require.Error(t, err)
			require.Equal(t, psrpc.Unauthenticated, errors.Class(err))
		})
	}
}

func TestVerifyMalformedBody(t *testing.T) {
	provider := auth.NewSimpleKeyProvider(apiKey, apiSecret)
	body := []byte(`{"event": 7}`)

	_, err := Verify(body, sign(t, body, apiSecret), provider)
	require.Equal(t, psrpc.InvalidArgument, errors.Class(err))
}

func TestIngestorFinalizesTerminalEvents(t *testing.T) {
	f := &fakeFinalizer{}
	i := NewIngestor(f, nil)

	event := &livekit.WebhookEvent{}
	require.NoError(t, protojson.Unmarshal(endedEvent(t), event))

	handled, err := i.Handle(context.Background(), event)
	require.NoError(t, err)
	require.True(t, handled)

	result := f.calls["egress-1"]
	require.NotNil(t, result)
	require.True(t, result.Detailed)
	require.Equal(t, "room-42_ts.mp4", result.Filename)
	require.Equal(t, "room-42", result.RoomName)
}

func TestIngestorIgnoresOtherEvents(t *testing.T) {
	f := &fakeFinalizer{}
	i := NewIngestor(f, nil)

	for _, event := range []*livekit.WebhookEvent{
		{Event: "room_finished", Room: &livekit.Room{Name: "room-42"}},
		{Event: "egress_started", EgressInfo: &livekit.EgressInfo{EgressId: "EG_1", Status: livekit.EgressStatus_EGRESS_STARTING}},
		{Event: "egress_updated", EgressInfo: &livekit.EgressInfo{EgressId: "EG_1", Status: livekit.EgressStatus_EGRESS_ENDING}},
	} {
		handled, err := i.Handle(context.Background(), event)
		require.NoError(t, err)
		require.False(t, handled)
	}
	require.Empty(t, f.calls)

	// a terminal status on an update is enough
	handled, err := i.Handle(context.Background(), &livekit.WebhookEvent{
		Event:      "egress_updated",
		EgressInfo: &livekit.EgressInfo{EgressId: "EG_2", Status: livekit.EgressStatus_EGRESS_FAILED, Error: "boom"},
	})
	require.NoError(t, err)
	require.True(t, handled)
	require.True(t, f.calls["EG_2"].Failed())
}

func TestIngestorReturnsFinalizeError(t *testing.T) {
	f := &fakeFinalizer{err: errors.New("upload failed")}
	i := NewIngestor(f, nil)

	handled, err := i.Handle(context.Background(), &livekit.WebhookEvent{
		Event:      "egress_ended",
		EgressInfo: &livekit.EgressInfo{EgressId: "EG_3", Status: livekit.EgressStatus_EGRESS_COMPLETE},
	})
	require.True(t, handled)
	require.Error(t, err)
}
