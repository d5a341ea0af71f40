package control

import (
	"context"
	"errors"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	grpcstatus "google.golang.org/grpc/status"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/matheus3301/tripsafe/internal/model"
	"github.com/matheus3301/tripsafe/internal/outbox"
	"github.com/matheus3301/tripsafe/internal/state"
	"github.com/matheus3301/tripsafe/internal/status"
	"github.com/matheus3301/tripsafe/internal/store"
	tripsync "github.com/matheus3301/tripsafe/internal/sync"
	"github.com/matheus3301/tripsafe/internal/transport"
)

// ServiceName is the fully qualified gRPC service name.
const ServiceName = "tripsafe.control.v1.Control"

// Engine is the part of the sync engine the control surface drives.
type Engine interface {
	Status() status.State
	Snapshot() state.Snapshot
	Checkpoint(ctx context.Context, key string) (time.Time, bool)
	DrainQueue(ctx context.Context) (tripsync.DrainReport, error)
	Pending(ctx context.Context) ([]outbox.Entry, error)
	FailedActions(ctx context.Context) ([]store.FailedAction, error)
	ClearFailedActions(ctx context.Context) error
	LoadTrips(ctx context.Context) ([]model.Trip, error)
	CheckIn(ctx context.Context, id int64, loc *model.Coordinate) (tripsync.TripResult, error)
	Extend(ctx context.Context, id int64, minutes int) (tripsync.TripResult, error)
	CompleteTrip(ctx context.Context, id int64) (tripsync.TripResult, error)
	SignIn(ctx context.Context, t model.Tokens)
	SignOut(ctx context.Context) error
}

// Devices registers the push token of this device.
type Devices interface {
	Start(pushToken string) <-chan error
	Registered() (string, bool)
}

// Server is the set of RPCs a control service implements.
type Server interface {
	GetStatus(context.Context, *emptypb.Empty) (*structpb.Struct, error)
	SyncNow(context.Context, *emptypb.Empty) (*structpb.Struct, error)
	ListPending(context.Context, *emptypb.Empty) (*structpb.Struct, error)
	ListFailed(context.Context, *emptypb.Empty) (*structpb.Struct, error)
	ClearFailed(context.Context, *emptypb.Empty) (*emptypb.Empty, error)
	ListTrips(context.Context, *emptypb.Empty) (*structpb.Struct, error)
	CheckIn(context.Context, *structpb.Struct) (*structpb.Struct, error)
	Extend(context.Context, *structpb.Struct) (*structpb.Struct, error)
	Complete(context.Context, *structpb.Struct) (*structpb.Struct, error)
	RegisterDevice(context.Context, *structpb.Struct) (*structpb.Struct, error)
	SignIn(context.Context, *structpb.Struct) (*structpb.Struct, error)
	SignOut(context.Context, *emptypb.Empty) (*emptypb.Empty, error)
}

// ServiceDesc describes the control service for grpc.Server.RegisterService.
var ServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*Server)(nil),
	Methods: []grpc.MethodDesc{
		unary("GetStatus", Server.GetStatus),
		unary("SyncNow", Server.SyncNow),
		unary("ListPending", Server.ListPending),
		unary("ListFailed", Server.ListFailed),
		unary("ClearFailed", Server.ClearFailed),
		unary("ListTrips", Server.ListTrips),
		unary("CheckIn", Server.CheckIn),
		unary("Extend", Server.Extend),
		unary("Complete", Server.Complete),
		unary("RegisterDevice", Server.RegisterDevice),
		unary("SignIn", Server.SignIn),
		unary("SignOut", Server.SignOut),
	},
	Metadata: "tripsafe/control/v1/control.proto",
}

// Register adds srv to s.
func Register(s grpc.ServiceRegistrar, srv Server) {
	s.RegisterService(&ServiceDesc, srv)
}

func unary[Req any, PReq interface {
	*Req
	proto.Message
}, Resp proto.Message](method string, call func(Server, context.Context, PReq) (Resp, error)) grpc.MethodDesc {
	fullMethod := "/" + ServiceName + "/" + method
	return grpc.MethodDesc{
		MethodName: method,
		Handler: func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
			in := PReq(new(Req))
			if err := dec(in); err != nil {
				return nil, err
			}
			if interceptor == nil {
				return call(srv.(Server), ctx, in)
			}
			info := &grpc.UnaryServerInfo{Server: srv, FullMethod: fullMethod}
			return interceptor(ctx, in, info, func(ctx context.Context, req any) (any, error) {
				return call(srv.(Server), ctx, req.(PReq))
			})
		},
	}
}

// Service implements Server over the sync engine.
type Service struct {
	profile   string
	startedAt time.Time
	engine    Engine
	devices   Devices
	// deviceWait bounds how long RegisterDevice waits before leaving the
	// registration to retry in the background.
	deviceWait time.Duration
}

var _ Server = (*Service)(nil)

// NewService creates the control service for profile.
func NewService(profile string, engine Engine, devices Devices) *Service {
	return &Service{
		profile:    profile,
		startedAt:  time.Now(),
		engine:     engine,
		devices:    devices,
		deviceWait: 5 * time.Second,
	}
}

func (s *Service) GetStatus(ctx context.Context, _ *emptypb.Empty) (*structpb.Struct, error) {
	snap := s.engine.Snapshot()
	resp := Status{
		Profile:      s.profile,
		State:        string(s.engine.Status()),
		UptimeMs:     time.Since(s.startedAt).Milliseconds(),
		PendingCount: snap.PendingCount,
		FailedCount:  snap.FailedCount,
		ActiveTrip:   snap.ActiveTrip,
	}
	if at, ok := s.engine.Checkpoint(ctx, store.CheckpointLastDrain); ok {
		resp.LastDrainAt = &at
	}
	if at, ok := s.engine.Checkpoint(ctx, store.CheckpointLastFullRefresh); ok {
		resp.LastFullRefreshAt = &at
	}
	if s.devices != nil {
		resp.DeviceToken, _ = s.devices.Registered()
	}
	return reply(resp)
}

func (s *Service) SyncNow(ctx context.Context, _ *emptypb.Empty) (*structpb.Struct, error) {
	report, err := s.engine.DrainQueue(ctx)
	if err != nil {
		return nil, toStatus("sync", err)
	}
	resp := SyncReport{
		Attempted: report.Attempted,
		Synced:    report.Synced,
		Failed:    report.Failed,
		Deferred:  report.Deferred,
		Refetched: report.Refetched,
	}
	if report.Stopped != transport.ClassNone {
		resp.Stopped = report.Stopped.String()
	}
	return reply(resp)
}

func (s *Service) ListPending(ctx context.Context, _ *emptypb.Empty) (*structpb.Struct, error) {
	entries, err := s.engine.Pending(ctx)
	if err != nil {
		return nil, toStatus("list pending", err)
	}
	out := list[PendingAction]{Items: make([]PendingAction, 0, len(entries))}
	for _, e := range entries {
		p := PendingAction{
			ID:             e.ID,
			Type:           string(e.Action.Type()),
			IdempotencyKey: e.IdempotencyKey,
			CreatedAt:      e.CreatedAt,
		}
		if id, ok := e.Action.Trip(); ok {
			p.TripID = &id
		}
		out.Items = append(out.Items, p)
	}
	return reply(out)
}

func (s *Service) ListFailed(ctx context.Context, _ *emptypb.Empty) (*structpb.Struct, error) {
	failed, err := s.engine.FailedActions(ctx)
	if err != nil {
		return nil, toStatus("list failed", err)
	}
	out := list[FailedAction]{Items: make([]FailedAction, 0, len(failed))}
	for _, f := range failed {
		out.Items = append(out.Items, FailedAction(f))
	}
	return reply(out)
}

func (s *Service) ClearFailed(ctx context.Context, _ *emptypb.Empty) (*emptypb.Empty, error) {
	if err := s.engine.ClearFailedActions(ctx); err != nil {
		return nil, toStatus("clear failed", err)
	}
	return &emptypb.Empty{}, nil
}

func (s *Service) ListTrips(ctx context.Context, _ *emptypb.Empty) (*structpb.Struct, error) {
	trips, err := s.engine.LoadTrips(ctx)
	if err != nil {
		return nil, toStatus("list trips", err)
	}
	if trips == nil {
		trips = []model.Trip{}
	}
	return reply(list[model.Trip]{Items: trips})
}

func (s *Service) CheckIn(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	var req CheckInRequest
	if err := request(in, &req); err != nil {
		return nil, err
	}
	if req.TripID <= 0 {
		return nil, grpcstatus.Error(codes.InvalidArgument, "trip_id is required")
	}
	res, err := s.engine.CheckIn(ctx, req.TripID, req.Location)
	return tripReply("check in", res, err)
}

func (s *Service) Extend(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	var req ExtendRequest
	if err := request(in, &req); err != nil {
		return nil, err
	}
	if req.TripID <= 0 {
		return nil, grpcstatus.Error(codes.InvalidArgument, "trip_id is required")
	}
	if req.Minutes <= 0 {
		return nil, grpcstatus.Error(codes.InvalidArgument, "minutes must be positive")
	}
	res, err := s.engine.Extend(ctx, req.TripID, req.Minutes)
	return tripReply("extend", res, err)
}

func (s *Service) Complete(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	var req CompleteRequest
	if err := request(in, &req); err != nil {
		return nil, err
	}
	if req.TripID <= 0 {
		return nil, grpcstatus.Error(codes.InvalidArgument, "trip_id is required")
	}
	res, err := s.engine.CompleteTrip(ctx, req.TripID)
	return tripReply("complete", res, err)
}

func (s *Service) RegisterDevice(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	if s.devices == nil {
		return nil, grpcstatus.Error(codes.Unavailable, "device registration not configured")
	}
	var req DeviceRequest
	if err := request(in, &req); err != nil {
		return nil, err
	}
	if req.Token == "" {
		return nil, grpcstatus.Error(codes.InvalidArgument, "token is required")
	}

	done := s.devices.Start(req.Token)
	timer := time.NewTimer(s.deviceWait)
	defer timer.Stop()
	select {
	case err := <-done:
		if err != nil {
			return nil, toStatus("register device", err)
		}
		return reply(DeviceReply{Token: req.Token, Registered: true})
	case <-timer.C:
	case <-ctx.Done():
	}
	return reply(DeviceReply{Token: req.Token})
}

// SignIn installs a credential pair and replies with the resulting status.
func (s *Service) SignIn(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	var req SignInRequest
	if err := request(in, &req); err != nil {
		return nil, err
	}
	if req.AccessToken == "" || req.RefreshToken == "" {
		return nil, grpcstatus.Error(codes.InvalidArgument, "access_token and refresh_token are required")
	}
	s.engine.SignIn(ctx, model.Tokens{AccessToken: req.AccessToken, RefreshToken: req.RefreshToken, UpdatedAt: time.Now().UTC()})
	return s.GetStatus(ctx, &emptypb.Empty{})
}

// SignOut drops the credential along with the cached user data and queue.
func (s *Service) SignOut(ctx context.Context, _ *emptypb.Empty) (*emptypb.Empty, error) {
	if err := s.engine.SignOut(ctx); err != nil {
		return nil, toStatus("sign out", err)
	}
	return &emptypb.Empty{}, nil
}

func request(in *structpb.Struct, out any) error {
	if err := fromStruct(in, out); err != nil {
		return grpcstatus.Error(codes.InvalidArgument, err.Error())
	}
	return nil
}

func reply(v any) (*structpb.Struct, error) {
	s, err := toStruct(v)
	if err != nil {
		return nil, grpcstatus.Error(codes.Internal, err.Error())
	}
	return s, nil
}

func tripReply(op string, res tripsync.TripResult, err error) (*structpb.Struct, error) {
	if err != nil {
		return nil, toStatus(op, err)
	}
	return reply(TripReply{Trip: res.Trip, Queued: res.Queued})
}

// toStatus maps an engine error onto a gRPC status.
func toStatus(op string, err error) error {
	code := codes.Internal
	switch {
	case errors.Is(err, context.Canceled):
		code = codes.Canceled
	case errors.Is(err, context.DeadlineExceeded):
		code = codes.DeadlineExceeded
	case errors.Is(err, tripsync.ErrReauthRequired), errors.Is(err, transport.ErrUnauthorized):
		code = codes.Unauthenticated
	case errors.Is(err, tripsync.ErrNotQueueable):
		code = codes.Unavailable
	case errors.Is(err, store.ErrNotFound), transport.IsNotFound(err):
		code = codes.NotFound
	default:
		switch transport.Classify(err) {
		case transport.ClassConnectivity, transport.ClassServer:
			code = codes.Unavailable
		case transport.ClassClient:
			code = codes.FailedPrecondition
		}
	}
	return grpcstatus.Errorf(code, "%s: %v", op, err)
}
