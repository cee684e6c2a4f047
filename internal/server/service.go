package server

import (
	"context"
	"encoding/json"
	"fmt"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"
	"google.golang.org/protobuf/types/known/wrapperspb"

	"github.com/devghori1264/aerophoenix/cloudsync/internal/models"
)

// ServiceName is the fully qualified gRPC service name. Requests and
// responses are google.protobuf.Struct values carrying the JSON documents
// below.
const ServiceName = "cloudsync.v1.CloudSync"

// Service is what the descriptor dispatches to.
type Service interface {
	Ping(ctx context.Context, in *emptypb.Empty) (*wrapperspb.StringValue, error)
	AddCloud(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error)
	ListClouds(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error)
	UpdateCloud(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error)
	CloudAction(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error)
	ListResources(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error)
	Reconcile(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error)
	ListObservations(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error)
}

// AddCloudRequest is the AddCloud document.
type AddCloudRequest struct {
	Owner           string            `json:"owner"`
	Title           string            `json:"title"`
	Provider        string            `json:"provider"`
	Credentials     map[string]string `json:"credentials,omitempty"`
	DNSEnabled      bool              `json:"dns_enabled,omitempty"`
	PollingInterval int               `json:"polling_interval,omitempty"`
	SkipFailedProbe bool              `json:"skip_failed_probe,omitempty"`
}

// UpdateCloudRequest is the UpdateCloud document.
type UpdateCloudRequest struct {
	CloudID         string            `json:"cloud_id"`
	Credentials     map[string]string `json:"credentials"`
	SkipFailedProbe bool              `json:"skip_failed_probe,omitempty"`
}

// CloudResult answers AddCloud, UpdateCloud and CloudAction. Credentials are
// never returned.
type CloudResult struct {
	Cloud  *models.Cloud `json:"cloud,omitempty"`
	Errors []string      `json:"errors,omitempty"`
}

// Cloud actions.
const (
	ActionEnable                 = "enable"
	ActionDisable                = "disable"
	ActionRename                 = "rename"
	ActionDelete                 = "delete"
	ActionSetPollingInterval     = "set_polling_interval"
	ActionEnableDNS              = "enable_dns"
	ActionDisableDNS             = "disable_dns"
	ActionEnableObservationLogs  = "enable_observation_logs"
	ActionDisableObservationLogs = "disable_observation_logs"
)

// CloudActionRequest is the CloudAction document. Title applies to rename,
// Interval (seconds) to set_polling_interval and Expire to delete.
type CloudActionRequest struct {
	CloudID  string `json:"cloud_id"`
	Action   string `json:"action"`
	Title    string `json:"title,omitempty"`
	Interval int    `json:"interval,omitempty"`
	Expire   bool   `json:"expire,omitempty"`
}

type ListCloudsRequest struct {
	Owner string `json:"owner"`
}

type ListCloudsResponse struct {
	Clouds []*models.Cloud `json:"clouds"`
}

// ResourcesRequest is the ListResources and Reconcile document. Owner, when
// set, restricts the answer to records the owner may see.
type ResourcesRequest struct {
	CloudID        string `json:"cloud_id"`
	Kind           string `json:"kind"`
	IncludeMissing bool   `json:"include_missing,omitempty"`
	Owner          string `json:"owner,omitempty"`
}

type ResourcesResponse struct {
	Resources []*models.Resource `json:"resources"`
}

type ObservationsRequest struct {
	Owner string `json:"owner"`
	Limit int    `json:"limit,omitempty"`
}

type ObservationsResponse struct {
	Observations []*models.ObservationEntry `json:"observations"`
}

// ToStruct encodes v through its JSON form.
func ToStruct(v any) (*structpb.Struct, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	out := &structpb.Struct{}
	if err := protojson.Unmarshal(data, out); err != nil {
		return nil, err
	}
	return out, nil
}

// FromStruct decodes s into v through its JSON form.
func FromStruct(s *structpb.Struct, v any) error {
	data, err := protojson.Marshal(s)
	if err != nil {
		return err
	}
	return json.Unmarshal(data, v)
}

func decode(in *structpb.Struct, v any) error {
	if err := FromStruct(in, v); err != nil {
		return status.Errorf(codes.InvalidArgument, "decode request: %v", err)
	}
	return nil
}

func encode(v any) (*structpb.Struct, error) {
	s, err := ToStruct(v)
	if err != nil {
		return nil, status.Errorf(codes.Internal, "encode response: %v", err)
	}
	return s, nil
}

func structHandler(method string, call func(Service, context.Context, *structpb.Struct) (*structpb.Struct, error)) grpc.MethodDesc {
	return grpc.MethodDesc{
		MethodName: method,
		Handler: func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
			in := new(structpb.Struct)
			if err := dec(in); err != nil {
				return nil, err
			}
			if interceptor == nil {
				return call(srv.(Service), ctx, in)
			}
			info := &grpc.UnaryServerInfo{Server: srv, FullMethod: fmt.Sprintf("/%s/%s", ServiceName, method)}
			return interceptor(ctx, in, info, func(ctx context.Context, req any) (any, error) {
				return call(srv.(Service), ctx, req.(*structpb.Struct))
			})
		},
	}
}

func pingHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(emptypb.Empty)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(Service).Ping(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/" + ServiceName + "/Ping"}
	return interceptor(ctx, in, info, func(ctx context.Context, req any) (any, error) {
		return srv.(Service).Ping(ctx, req.(*emptypb.Empty))
	})
}

var serviceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*Service)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "Ping", Handler: pingHandler},
		structHandler("AddCloud", Service.AddCloud),
		structHandler("ListClouds", Service.ListClouds),
		structHandler("UpdateCloud", Service.UpdateCloud),
		structHandler("CloudAction", Service.CloudAction),
		structHandler("ListResources", Service.ListResources),
		structHandler("Reconcile", Service.Reconcile),
		structHandler("ListObservations", Service.ListObservations),
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "cloudsync/v1/cloudsync.proto",
}

// RegisterService registers s on gs.
func RegisterService(gs grpc.ServiceRegistrar, s Service) {
	gs.RegisterService(&serviceDesc, s)
}
