package streaming

import (
	"context"
	"encoding/json"
	"fmt"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"
)

const (
	StatusServiceName        = "scratchdesk.v1.StatusService"
	GetStatusMethod          = "/" + StatusServiceName + "/GetStatus"
	StreamEventsMethod       = "/" + StatusServiceName + "/StreamEvents"
	streamSubscriptionBuffer = 256
)

// StatusProvider supplies the snapshot returned by GetStatus.
type StatusProvider interface {
	StatusSnapshot() map[string]any
}

type StatusServer interface {
	GetStatus(context.Context, *emptypb.Empty) (*structpb.Struct, error)
	StreamEvents(*emptypb.Empty, grpc.ServerStream) error
}

type StatusService struct {
	bus      *EventBus
	provider StatusProvider
	logger   *zap.Logger
}

func NewStatusService(bus *EventBus, provider StatusProvider, logger *zap.Logger) *StatusService {
	return &StatusService{
		bus:      bus,
		provider: provider,
		logger:   logger,
	}
}

// Register attaches the service to a gRPC server.
func (s *StatusService) Register(server *grpc.Server) {
	server.RegisterService(&StatusServiceDesc, s)
}

func (s *StatusService) GetStatus(ctx context.Context, _ *emptypb.Empty) (*structpb.Struct, error) {
	snapshot, err := toStruct(s.provider.StatusSnapshot())
	if err != nil {
		return nil, status.Errorf(codes.Internal, "encode status: %v", err)
	}
	return snapshot, nil
}

func (s *StatusService) StreamEvents(_ *emptypb.Empty, stream grpc.ServerStream) error {
	eventCh := s.bus.Subscribe(streamSubscriptionBuffer)
	defer s.bus.Unsubscribe(eventCh)

	for {
		select {
		case event, ok := <-eventCh:
			if !ok {
				return nil
			}

			msg, err := EventToStruct(event)
			if err != nil {
				s.logger.Warn("Failed to encode event for stream",
					zap.String("kind", string(event.Kind)),
					zap.Error(err))
				continue
			}

			if err := stream.SendMsg(msg); err != nil {
				return err
			}

		case <-stream.Context().Done():
			return stream.Context().Err()
		}
	}
}

// EventToStruct converts an event into its protobuf Struct form using the
// same field names as the JSON encoding.
func EventToStruct(event Event) (*structpb.Struct, error) {
	data, err := json.Marshal(event)
	if err != nil {
		return nil, err
	}

	var fields map[string]any
	if err := json.Unmarshal(data, &fields); err != nil {
		return nil, err
	}
	return toStruct(fields)
}

func toStruct(fields map[string]any) (*structpb.Struct, error) {
	// structpb only accepts JSON-native values
	data, err := json.Marshal(fields)
	if err != nil {
		return nil, fmt.Errorf("marshal: %w", err)
	}
	var normalized map[string]any
	if err := json.Unmarshal(data, &normalized); err != nil {
		return nil, fmt.Errorf("unmarshal: %w", err)
	}
	return structpb.NewStruct(normalized)
}

func getStatusHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(emptypb.Empty)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(StatusServer).GetStatus(ctx, in)
	}
	info := &grpc.UnaryServerInfo{
		Server:     srv,
		FullMethod: GetStatusMethod,
	}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(StatusServer).GetStatus(ctx, req.(*emptypb.Empty))
	}
	return interceptor(ctx, in, info, handler)
}

func streamEventsHandler(srv any, stream grpc.ServerStream) error {
	in := new(emptypb.Empty)
	if err := stream.RecvMsg(in); err != nil {
		return err
	}
	return srv.(StatusServer).StreamEvents(in, stream)
}

// StatusServiceDesc describes the status service without generated stubs.
// Messages are google.protobuf.Empty and google.protobuf.Struct.
var StatusServiceDesc = grpc.ServiceDesc{
	ServiceName: StatusServiceName,
	HandlerType: (*StatusServer)(nil),
	Methods: []grpc.MethodDesc{
		{
			MethodName: "GetStatus",
			Handler:    getStatusHandler,
		},
	},
	Streams: []grpc.StreamDesc{
		{
			StreamName:    "StreamEvents",
			Handler:       streamEventsHandler,
			ServerStreams: true,
		},
	},
	Metadata: "scratchdesk/v1/status.proto",
}
