package server

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"
	"google.golang.org/protobuf/types/known/wrapperspb"
)

// Client calls the control service over an established connection.
type Client struct {
	cc grpc.ClientConnInterface
}

func NewClient(cc grpc.ClientConnInterface) *Client {
	return &Client{cc: cc}
}

func (c *Client) Ping(ctx context.Context) (string, error) {
	out := new(wrapperspb.StringValue)
	if err := c.cc.Invoke(ctx, "/"+ServiceName+"/Ping", &emptypb.Empty{}, out); err != nil {
		return "", err
	}
	return out.GetValue(), nil
}

func (c *Client) AddCloud(ctx context.Context, req AddCloudRequest) (*CloudResult, error) {
	var out CloudResult
	return &out, c.call(ctx, "AddCloud", req, &out)
}

func (c *Client) ListClouds(ctx context.Context, owner string) (*ListCloudsResponse, error) {
	var out ListCloudsResponse
	return &out, c.call(ctx, "ListClouds", ListCloudsRequest{Owner: owner}, &out)
}

func (c *Client) UpdateCloud(ctx context.Context, req UpdateCloudRequest) (*CloudResult, error) {
	var out CloudResult
	return &out, c.call(ctx, "UpdateCloud", req, &out)
}

func (c *Client) CloudAction(ctx context.Context, req CloudActionRequest) (*CloudResult, error) {
	var out CloudResult
	return &out, c.call(ctx, "CloudAction", req, &out)
}

func (c *Client) ListResources(ctx context.Context, req ResourcesRequest) (*ResourcesResponse, error) {
	var out ResourcesResponse
	return &out, c.call(ctx, "ListResources", req, &out)
}

func (c *Client) Reconcile(ctx context.Context, req ResourcesRequest) (*ResourcesResponse, error) {
	var out ResourcesResponse
	return &out, c.call(ctx, "Reconcile", req, &out)
}

func (c *Client) ListObservations(ctx context.Context, req ObservationsRequest) (*ObservationsResponse, error) {
	var out ObservationsResponse
	return &out, c.call(ctx, "ListObservations", req, &out)
}

func (c *Client) call(ctx context.Context, method string, req, resp any) error {
	in, err := ToStruct(req)
	if err != nil {
		return err
	}
	out := new(structpb.Struct)
	if err := c.cc.Invoke(ctx, "/"+ServiceName+"/"+method, in, out); err != nil {
		return err
	}
	return FromStruct(out, resp)
}
