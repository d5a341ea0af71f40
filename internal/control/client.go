package control

import (
	"context"
	"fmt"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/matheus3301/tripsafe/internal/model"
)

// Client wraps the gRPC connection to the daemon.
type Client struct {
	conn *grpc.ClientConn
}

// Dial dials the daemon's Unix domain socket.
func Dial(socketPath string) (*Client, error) {
	conn, err := grpc.NewClient(
		"unix://"+socketPath,
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
	if err != nil {
		return nil, fmt.Errorf("dial daemon: %w", err)
	}
	return &Client{conn: conn}, nil
}

// Close closes the gRPC connection.
func (c *Client) Close() error {
	return c.conn.Close()
}

func (c *Client) call(ctx context.Context, method string, req any, out any) error {
	in, err := toStruct(req)
	if err != nil {
		return err
	}
	return c.invoke(ctx, method, in, out)
}

func (c *Client) invoke(ctx context.Context, method string, in any, out any) error {
	resp := &structpb.Struct{}
	if err := c.conn.Invoke(ctx, "/"+ServiceName+"/"+method, in, resp); err != nil {
		return err
	}
	return fromStruct(resp, out)
}

// Status returns the daemon's connectivity state and queue counts.
func (c *Client) Status(ctx context.Context) (*Status, error) {
	var out Status
	if err := c.invoke(ctx, "GetStatus", &emptypb.Empty{}, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// SyncNow drains the queue and reports the pass.
func (c *Client) SyncNow(ctx context.Context) (*SyncReport, error) {
	var out SyncReport
	if err := c.invoke(ctx, "SyncNow", &emptypb.Empty{}, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Pending lists queued actions oldest first.
func (c *Client) Pending(ctx context.Context) ([]PendingAction, error) {
	var out list[PendingAction]
	if err := c.invoke(ctx, "ListPending", &emptypb.Empty{}, &out); err != nil {
		return nil, err
	}
	return out.Items, nil
}

// Failed lists actions the authority rejected.
func (c *Client) Failed(ctx context.Context) ([]FailedAction, error) {
	var out list[FailedAction]
	if err := c.invoke(ctx, "ListFailed", &emptypb.Empty{}, &out); err != nil {
		return nil, err
	}
	return out.Items, nil
}

// ClearFailed empties the failed action list.
func (c *Client) ClearFailed(ctx context.Context) error {
	return c.conn.Invoke(ctx, "/"+ServiceName+"/ClearFailed", &emptypb.Empty{}, &emptypb.Empty{})
}

// Trips lists the user's trips.
func (c *Client) Trips(ctx context.Context) ([]model.Trip, error) {
	var out list[model.Trip]
	if err := c.invoke(ctx, "ListTrips", &emptypb.Empty{}, &out); err != nil {
		return nil, err
	}
	return out.Items, nil
}

// CheckIn checks in on a trip.
func (c *Client) CheckIn(ctx context.Context, tripID int64, loc *model.Coordinate) (*TripReply, error) {
	var out TripReply
	if err := c.call(ctx, "CheckIn", CheckInRequest{TripID: tripID, Location: loc}, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Extend pushes a trip's ETA forward by minutes.
func (c *Client) Extend(ctx context.Context, tripID int64, minutes int) (*TripReply, error) {
	var out TripReply
	if err := c.call(ctx, "Extend", ExtendRequest{TripID: tripID, Minutes: minutes}, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Complete ends a trip.
func (c *Client) Complete(ctx context.Context, tripID int64) (*TripReply, error) {
	var out TripReply
	if err := c.call(ctx, "Complete", CompleteRequest{TripID: tripID}, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// RegisterDevice registers a push token for this device.
func (c *Client) RegisterDevice(ctx context.Context, token string) (*DeviceReply, error) {
	var out DeviceReply
	if err := c.call(ctx, "RegisterDevice", DeviceRequest{Token: token}, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// SignIn hands a credential pair to the daemon.
func (c *Client) SignIn(ctx context.Context, accessToken, refreshToken string) (*Status, error) {
	var out Status
	if err := c.call(ctx, "SignIn", SignInRequest{AccessToken: accessToken, RefreshToken: refreshToken}, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// SignOut signs the daemon out and discards unsent changes.
func (c *Client) SignOut(ctx context.Context) error {
	return c.conn.Invoke(ctx, "/"+ServiceName+"/SignOut", &emptypb.Empty{}, &emptypb.Empty{})
}
