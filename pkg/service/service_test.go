package service

import (
	"context"
	"crypto/sha256"
	"encoding/base64"
	"os"
	"path"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/livekit/psrpc"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
	"google.golang.org/protobuf/encoding/protojson"

	"github.com/livekit/egress-control/pkg/config"
	"github.com/livekit/egress-control/pkg/egress"
	"github.com/livekit/egress-control/pkg/errors"
	"github.com/livekit/egress-control/pkg/registry"
	"github.com/livekit/egress-control/pkg/statusstore"
	"github.com/livekit/egress-control/pkg/types"
	"github.com/livekit/egress-control/pkg/uploader"
	"github.com/livekit/protocol/auth"
	"github.com/livekit/protocol/livekit"
)

const (
	apiKey    = "APItest"
	apiSecret = "test-secret-that-is-long-enough-for-hs256"
)

type fakeClient struct {
	mu       sync.Mutex
	started  []*egress.StartRequest
	stopErr  error
	egressID string
}

func (c *fakeClient) StartRoomComposite(_ context.Context, req *egress.StartRequest) (*livekit.EgressInfo, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.started = append(c.started, req)
	return &livekit.EgressInfo{EgressId: c.egressID, RoomName: req.RoomName, Status: livekit.EgressStatus_EGRESS_STARTING}, nil
}

func (c *fakeClient) Stop(_ context.Context, egressID string) (*types.TerminalResult, error) {
	if c.stopErr != nil {
		return nil, c.stopErr
	}
	return &types.TerminalResult{EgressID: egressID, Status: livekit.EgressStatus_EGRESS_COMPLETE, Detailed: true}, nil
}

func (c *fakeClient) List(context.Context, string) ([]*livekit.EgressInfo, error) {
	return nil, nil
}

type testService struct {
	*Service
	conf   *config.ServiceConfig
	client *fakeClient
	redis  *miniredis.Miniredis
	store  *statusstore.Store
	public string
}

func newTestService(t *testing.T) *testService {
	t.Helper()

	conf := &config.ServiceConfig{
		BaseConfig: config.BaseConfig{
			NodeID:        "NEC_test",
			ApiKey:        apiKey,
			ApiSecret:     apiSecret,
			WsUrl:         "wss://media.example.com",
			WebhookApiKey: apiKey,
			WebhookSecret: apiSecret,
			Status: config.StatusConfig{
				Namespace: "recordings",
				RoomIndex: "recording_rooms",
			},
			StorageConfig: &config.StorageConfig{
				SignedURLExpiry: time.Hour,
				Local: &config.LocalConfig{
					Directory:     t.TempDir(),
					PublicBaseUrl: "https://cdn.example.com",
				},
			},
		},
		OutputDir:      t.TempDir(),
		FileExtension:  ".mp4",
		RequestTimeout: time.Second * 5,
		Stop: config.StopConfig{
			MaxAttempts:  2,
			RetryDelay:   time.Millisecond,
			ConfirmPolls: 1,
			ConfirmDelay: time.Millisecond,
		},
	}

	mr := miniredis.RunT(t)
	rc := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rc.Close() })
	store := statusstore.New(rc, conf.Status)

	up, err := uploader.New(conf.StorageConfig, nil)
	require.NoError(t, err)

	client := &fakeClient{egressID: "egress-1"}
	svc := NewService(conf, registry.New(), client, store, up, nil)

	return &testService{
		Service: svc,
		conf:    conf,
		client:  client,
		redis:   mr,
		store:   store,
		public:  "https://cdn.example.com",
	}
}

func signedWebhook(t *testing.T, event *livekit.WebhookEvent) ([]byte, string) {
	t.Helper()

	body, err := protojson.Marshal(event)
	require.NoError(t, err)

	sum := sha256.Sum256(body)
	jwt, err := auth.NewAccessToken(apiKey, apiSecret).
		SetSha256(base64.StdEncoding.EncodeToString(sum[:])).
		ToJWT()
	require.NoError(t, err)
	return body, jwt
}

func TestStartThenWebhook(t *testing.T) {
	s := newTestService(t)
	ctx := context.Background()

	resp, err := s.Start(ctx, &StartRecordingRequest{
		RoomName: "room-42",
		RoomUrl:  "https://x/42",
		Metadata: map[string]string{"title": "standup"},
	})
	require.NoError(t, err)
	require.Equal(t, "egress-1", resp.RecordingID)
	require.Equal(t, s.conf.OutputDir, path.Dir(resp.Filepath))
	require.Equal(t, resp.Filepath, s.client.started[0].Filepath)

	job, ok := s.registry.Get("egress-1")
	require.True(t, ok)
	require.Equal(t, "https://x/42", job.RoomReference)

	ref, err := s.store.LookupRoomReference(ctx, "room-42")
	require.NoError(t, err)
	require.Equal(t, "https://x/42", ref)

	// start never writes status
	require.False(t, s.redis.Exists("recordings:https_x_42:egress-1"))

	require.NoError(t, os.WriteFile(path.Join(s.conf.OutputDir, "room-42_ts.mp4"), []byte("media"), 0644))
	body, jwt := signedWebhook(t, &livekit.WebhookEvent{
		Event: "egress_ended",
		EgressInfo: &livekit.EgressInfo{
			EgressId:    "egress-1",
			RoomName:    "room-42",
			Status:      livekit.EgressStatus_EGRESS_COMPLETE,
			FileResults: []*livekit.FileInfo{{Filename: "room-42_ts.mp4"}},
		},
	})

	event, err := s.HandleWebhook(ctx, body, jwt)
	require.NoError(t, err)
	require.Equal(t, "egress_ended", event.Event)

	record := hgetall(t, s.redis, "recordings:https_x_42:egress-1")
	require.Equal(t, "uploaded", record["status"])
	require.Equal(t, "ready", record["linkStatus"])
	require.Equal(t, s.public+"/room-42/egress-1/room-42_ts.mp4", record["downloadUrl"])
	require.Equal(t, "https://x/42", record["roomReference"])

	_, ok = s.registry.Get("egress-1")
	require.False(t, ok)
}

func TestWebhookRejected(t *testing.T) {
	s := newTestService(t)
	ctx := context.Background()

	_, err := s.Start(ctx, &StartRecordingRequest{RoomName: "room-42", RoomUrl: "https://x/42"})
	require.NoError(t, err)

	body, _ := signedWebhook(t, &livekit.WebhookEvent{
		Event:      "egress_ended",
		EgressInfo: &livekit.EgressInfo{EgressId: "egress-1", Status: livekit.EgressStatus_EGRESS_COMPLETE},
	})
	forged, err := auth.NewAccessToken(apiKey, "not-the-secret-but-long-enough-anyway").SetSha256("abc").ToJWT()
	require.NoError(t, err)

	_, err = s.HandleWebhook(ctx, body, forged)
	require.Equal(t, psrpc.Unauthenticated, errors.Class(err))

	_, ok := s.registry.Get("egress-1")
	require.True(t, ok)
	require.False(t, s.redis.Exists("recordings:https_x_42:egress-1"))
}

func TestStopAlreadyEnded(t *testing.T) {
	s := newTestService(t)
	ctx := context.Background()

	_, err := s.Start(ctx, &StartRecordingRequest{RoomName: "room-42", RoomUrl: "https://x/42"})
	require.NoError(t, err)

	s.client.stopErr = psrpc.NewErrorf(psrpc.NotFound, "egress not found")
	resp, err := s.Stop(ctx, "egress-1")
	require.NoError(t, err)
	require.True(t, resp.OK)
	require.Equal(t, "already_stopped", resp.Outcome)
	require.Equal(t, types.LinkStatusMissing, resp.LinkStatus)

	record := hgetall(t, s.redis, "recordings:https_x_42:egress-1")
	require.Equal(t, "complete", record["status"])
	require.Equal(t, "missing", record["linkStatus"])
	require.Equal(t, types.LinkErrorFileMissing, record["linkError"])
}

func TestStartValidation(t *testing.T) {
	s := newTestService(t)

	_, err := s.Start(context.Background(), &StartRecordingRequest{})
	require.Equal(t, psrpc.InvalidArgument, errors.Class(err))

	s.Shutdown()
	_, err = s.Start(context.Background(), &StartRecordingRequest{RoomName: "room-42"})
	require.Equal(t, errors.ErrShuttingDown, err)
	require.True(t, s.Health(context.Background()).ShuttingDown)
}

func TestUnconfigured(t *testing.T) {
	conf := &config.ServiceConfig{OutputDir: t.TempDir(), FileExtension: ".mp4"}
	s := NewService(conf, registry.New(), nil, nil, nil, nil)

	_, err := s.Start(context.Background(), &StartRecordingRequest{RoomName: "room-42"})
	require.Equal(t, errors.ErrEgressNotConfigured, err)

	_, err = s.Stop(context.Background(), "egress-1")
	require.Equal(t, errors.ErrEgressNotConfigured, err)

	h := s.Health(context.Background())
	require.False(t, h.OK)
	require.False(t, h.EgressConfigured)
	require.False(t, h.StoreConfigured)
}

func TestHealth(t *testing.T) {
	s := newTestService(t)

	h := s.Health(context.Background())
	require.True(t, h.OK)
	require.True(t, h.StoreReachable)
	require.True(t, h.StorageConfigured)
	require.Equal(t, "NEC_test", h.NodeID)
}

func TestOutputPath(t *testing.T) {
	s := newTestService(t)
	now := time.Date(2024, 5, 1, 12, 30, 15, 0, time.UTC)
	require.Equal(t, path.Join(s.conf.OutputDir, "room_42_a_2024-05-01T123015.mp4"), s.outputPath("room 42/a", now))
}

func hgetall(t *testing.T, mr *miniredis.Miniredis, key string) map[string]string {
	t.Helper()

	fields, err := mr.HKeys(key)
	require.NoError(t, err)
	record := make(map[string]string, len(fields))
	for _, f := range fields {
		record[f] = mr.HGet(key, f)
	}
	return record
}
