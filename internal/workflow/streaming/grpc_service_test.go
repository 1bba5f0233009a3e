package streaming

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/test/bufconn"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/orharazi/Scratch-Desk-sub002/internal/workflow/definition"
)

type staticStatus map[string]any

func (s staticStatus) StatusSnapshot() map[string]any { return s }

func startStatusServer(t *testing.T, bus *EventBus, provider StatusProvider) *grpc.ClientConn {
	t.Helper()

	lis := bufconn.Listen(1 << 20)
	server := grpc.NewServer()
	NewStatusService(bus, provider, zap.NewNop()).Register(server)
	go func() { _ = server.Serve(lis) }()
	t.Cleanup(server.Stop)

	conn, err := grpc.NewClient("passthrough:///bufnet",
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
			return lis.DialContext(ctx)
		}),
		grpc.WithTransportCredentials(insecure.NewCredentials()))
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func TestGetStatus(t *testing.T) {
	bus := NewEventBus(zap.NewNop(), 16)
	defer bus.Close()

	conn := startStatusServer(t, bus, staticStatus{"state": "idle", "step_count": 12})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	out := &structpb.Struct{}
	require.NoError(t, conn.Invoke(ctx, GetStatusMethod, &emptypb.Empty{}, out))
	assert.Equal(t, "idle", out.Fields["state"].GetStringValue())
	assert.Equal(t, float64(12), out.Fields["step_count"].GetNumberValue())
}

func TestStreamEvents(t *testing.T) {
	bus := NewEventBus(zap.NewNop(), 64)
	defer bus.Close()

	conn := startStatusServer(t, bus, staticStatus{})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	stream, err := conn.NewStream(ctx, &StatusServiceDesc.Streams[0], StreamEventsMethod)
	require.NoError(t, err)
	require.NoError(t, stream.SendMsg(&emptypb.Empty{}))
	require.NoError(t, stream.CloseSend())

	// The server subscribes asynchronously, so keep publishing until the
	// first event arrives.
	done := make(chan struct{})
	defer close(done)
	go func() {
		ticker := time.NewTicker(20 * time.Millisecond)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ticker.C:
				bus.Publish(Event{
					Kind:     EventStepExecuting,
					Step:     &definition.Step{Index: 3, Operation: definition.MoveX{Position: 25}, Phase: definition.PhaseRows},
					Progress: 0.25,
				})
			}
		}
	}()

	out := &structpb.Struct{}
	require.NoError(t, stream.RecvMsg(out))

	assert.Equal(t, "step_executing", out.Fields["kind"].GetStringValue())
	assert.Equal(t, 0.25, out.Fields["progress"].GetNumberValue())
	step := out.Fields["step"].GetStructValue()
	require.NotNil(t, step)
	assert.Equal(t, "move_x", step.Fields["operation"].GetStringValue())
	assert.Equal(t, float64(3), step.Fields["index"].GetNumberValue())
}

func TestEventToStructOmitsEmptyFields(t *testing.T) {
	down := true
	s, err := EventToStruct(Event{Kind: EventTransitionWaiting, SwitchDown: &down, Required: "down"})
	require.NoError(t, err)

	assert.True(t, s.Fields["switch_down"].GetBoolValue())
	assert.Equal(t, "down", s.Fields["required"].GetStringValue())
	_, hasStep := s.Fields["step"]
	assert.False(t, hasStep)
}
