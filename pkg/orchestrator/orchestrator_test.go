package orchestrator

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/livekit/psrpc"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/livekit/egress-control/pkg/config"
	"github.com/livekit/egress-control/pkg/egress"
	"github.com/livekit/egress-control/pkg/errors"
	"github.com/livekit/egress-control/pkg/finalizer"
	"github.com/livekit/egress-control/pkg/registry"
	"github.com/livekit/egress-control/pkg/types"
	"github.com/livekit/protocol/livekit"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type fakeClient struct {
	mu sync.Mutex

	stopResults []stopResult
	stopCalls   int
	stopDelay   time.Duration

	listResults []listResult
	listCalls   int
	listRooms   []string
}

type stopResult struct {
	result *types.TerminalResult
	err    error
}

type listResult struct {
	items []*livekit.EgressInfo
	err   error
}

func (c *fakeClient) StartRoomComposite(context.Context, *egress.StartRequest) (*livekit.EgressInfo, error) {
	return nil, psrpc.NewErrorf(psrpc.Unimplemented, "not used")
}

func (c *fakeClient) Stop(ctx context.Context, _ string) (*types.TerminalResult, error) {
	if c.stopDelay > 0 {
		// a hung egress api, cut off by the per-call timeout
		select {
		case <-time.After(c.stopDelay):
		case <-ctx.Done():
		}
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	r := c.stopResults[min(c.stopCalls, len(c.stopResults)-1)]
	c.stopCalls++
	return r.result, r.err
}

func (c *fakeClient) List(_ context.Context, roomName string) ([]*livekit.EgressInfo, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.listRooms = append(c.listRooms, roomName)
	if len(c.listResults) == 0 {
		c.listCalls++
		return nil, nil
	}
	r := c.listResults[min(c.listCalls, len(c.listResults)-1)]
	c.listCalls++
	return r.items, r.err
}

type fakeFinalizer struct {
	mu    sync.Mutex
	calls []*types.TerminalResult
}

func (f *fakeFinalizer) Finalize(_ context.Context, egressID string, result *types.TerminalResult) (*finalizer.FinalizeResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, result)
	return &finalizer.FinalizeResult{EgressID: egressID}, nil
}

func newOrchestrator(c *fakeClient, f *fakeFinalizer, reg *registry.Registry) *Orchestrator {
	return New(config.StopConfig{
		MaxAttempts:  3,
		RetryDelay:   time.Millisecond,
		ConfirmPolls: 2,
		ConfirmDelay: time.Millisecond,
	}, c, reg, f, nil)
}

var (
	errUnavailable = psrpc.NewErrorf(psrpc.Unavailable, "egress service unavailable")
	errDeadline    = psrpc.NewErrorf(psrpc.DeadlineExceeded, "timed out")
)

func TestStopTerminal(t *testing.T) {
	result := &types.TerminalResult{
		EgressID: "EG_1",
		Status:   livekit.EgressStatus_EGRESS_COMPLETE,
		Filename: "/out/a.mp4",
		Detailed: true,
	}
	c := &fakeClient{stopResults: []stopResult{{result: result}}}
	f := &fakeFinalizer{}

	res, err := newOrchestrator(c, f, registry.New()).Stop(context.Background(), "EG_1")
	require.NoError(t, err)
	require.Equal(t, OutcomeStopped, res.Outcome)
	require.Equal(t, 1, c.stopCalls)
	require.Equal(t, []*types.TerminalResult{result}, f.calls)
}

func TestStopRetryBudget(t *testing.T) {
	c := &fakeClient{
		stopResults: []stopResult{{err: errUnavailable}, {err: errDeadline}},
		listResults: []listResult{{items: []*livekit.EgressInfo{{EgressId: "EG_1", Status: livekit.EgressStatus_EGRESS_ACTIVE}}}},
	}
	f := &fakeFinalizer{}

	_, err := newOrchestrator(c, f, registry.New()).Stop(context.Background(), "EG_1")
	require.Error(t, err)
	require.Equal(t, psrpc.Unavailable, errors.Class(err))

	require.Equal(t, 3, c.stopCalls)
	require.Equal(t, 2, c.listCalls)
	require.Empty(t, f.calls)
}

func TestStopAlreadyStopped(t *testing.T) {
	for _, code := range []psrpc.ErrorCode{psrpc.NotFound, psrpc.FailedPrecondition} {
		t.Run(string(code), func(t *testing.T) {
			c := &fakeClient{stopResults: []stopResult{{err: psrpc.NewErrorf(code, "egress gone")}}}
			f := &fakeFinalizer{}

			res, err := newOrchestrator(c, f, registry.New()).Stop(context.Background(), "EG_2")
			require.NoError(t, err)
			require.Equal(t, OutcomeAlreadyStopped, res.Outcome)
			require.Len(t, f.calls, 1)
			require.False(t, f.calls[0].Detailed)
			require.Equal(t, "EG_2", f.calls[0].EgressID)
		})
	}
}

func TestStopConfirmedByListing(t *testing.T) {
	reg := registry.New()
	reg.Put(&registry.EgressJob{EgressID: "EG_3", RoomName: "room-3"})

	c := &fakeClient{
		stopResults: []stopResult{{err: errDeadline}},
		listResults: []listResult{
			{err: errUnavailable},
			{items: []*livekit.EgressInfo{{EgressId: "EG_other", Status: livekit.EgressStatus_EGRESS_ACTIVE}}},
		},
	}
	f := &fakeFinalizer{}

	res, err := newOrchestrator(c, f, reg).Stop(context.Background(), "EG_3")
	require.NoError(t, err)
	require.Equal(t, OutcomeConfirmed, res.Outcome)
	require.Equal(t, 3, c.stopCalls)
	require.Equal(t, []string{"room-3", "room-3"}, c.listRooms)
	require.Len(t, f.calls, 1)
	require.False(t, f.calls[0].Detailed)
}

func TestStopListingFails(t *testing.T) {
	c := &fakeClient{
		stopResults: []stopResult{{err: errUnavailable}},
		listResults: []listResult{{err: errUnavailable}},
	}
	f := &fakeFinalizer{}

	_, err := newOrchestrator(c, f, registry.New()).Stop(context.Background(), "EG_4")
	require.Error(t, err)
	require.Contains(t, err.Error(), "EG_4")
	require.Empty(t, f.calls)
}

func TestStopNonRetryable(t *testing.T) {
	c := &fakeClient{stopResults: []stopResult{{err: psrpc.NewErrorf(psrpc.PermissionDenied, "bad key")}}}
	f := &fakeFinalizer{}

	_, err := newOrchestrator(c, f, registry.New()).Stop(context.Background(), "EG_5")
	require.Error(t, err)
	require.Equal(t, psrpc.PermissionDenied, errors.Class(err))
	require.Equal(t, 1, c.stopCalls)
	require.Zero(t, c.listCalls)
	require.Empty(t, f.calls)
}

func TestStopEnding(t *testing.T) {
	ending := &types.TerminalResult{EgressID: "EG_6", Status: livekit.EgressStatus_EGRESS_ENDING, Detailed: true}
	active := []*livekit.EgressInfo{{EgressId: "EG_6", Status: livekit.EgressStatus_EGRESS_ENDING}}

	t.Run("still ending", func(t *testing.T) {
		c := &fakeClient{
			stopResults: []stopResult{{result: ending}},
			listResults: []listResult{{items: active}},
		}
		f := &fakeFinalizer{}

		res, err := newOrchestrator(c, f, registry.New()).Stop(context.Background(), "EG_6")
		require.NoError(t, err)
		require.Equal(t, OutcomePending, res.Outcome)
		require.Nil(t, res.Finalized)
		require.Empty(t, f.calls)
	})

	t.Run("ended", func(t *testing.T) {
		c := &fakeClient{
			stopResults: []stopResult{{result: ending}},
			listResults: []listResult{{items: active}, {}},
		}
		f := &fakeFinalizer{}

		res, err := newOrchestrator(c, f, registry.New()).Stop(context.Background(), "EG_6")
		require.NoError(t, err)
		require.Equal(t, OutcomeStopped, res.Outcome)
		require.Equal(t, []*types.TerminalResult{ending}, f.calls)
	})
}

func TestStopOutlivesCallerDeadline(t *testing.T) {
	c := &fakeClient{
		stopResults: []stopResult{{err: errDeadline}},
		stopDelay:   20 * time.Millisecond,
	}
	f := &fakeFinalizer{}
	o := New(config.StopConfig{
		MaxAttempts:    3,
		RetryDelay:     10 * time.Millisecond,
		ConfirmPolls:   2,
		ConfirmDelay:   10 * time.Millisecond,
		RequestTimeout: 20 * time.Millisecond,
	}, c, registry.New(), f, nil)

	// shorter than three hung attempts
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()

	res, err := o.Stop(ctx, "EG_7")
	require.NoError(t, err)
	require.Equal(t, OutcomeConfirmed, res.Outcome)
	require.Equal(t, 3, c.stopCalls)
	require.Equal(t, 1, c.listCalls)
	require.Len(t, f.calls, 1)
	require.False(t, f.calls[0].Detailed)
}

func TestStopMissingID(t *testing.T) {
	_, err := newOrchestrator(&fakeClient{}, &fakeFinalizer{}, registry.New()).Stop(context.Background(), "")
	require.Equal(t, psrpc.InvalidArgument, errors.Class(err))
}
