// Package server exposes the control plane over gRPC.
package server

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"
	"google.golang.org/protobuf/types/known/wrapperspb"

	"github.com/devghori1264/aerophoenix/cloudsync/internal/controller"
	"github.com/devghori1264/aerophoenix/cloudsync/internal/models"
	"github.com/devghori1264/aerophoenix/cloudsync/internal/provider"
	"github.com/devghori1264/aerophoenix/cloudsync/internal/reconcile"
	"github.com/devghori1264/aerophoenix/cloudsync/internal/storage"
	"github.com/devghori1264/aerophoenix/cloudsync/internal/tasks"
)

// Resources reads and refreshes resource records.
type Resources interface {
	Reconcile(ctx context.Context, cloudID string, kind models.Kind, opts reconcile.RunOptions) ([]*models.Resource, error)
	ListCached(ctx context.Context, cloudID string, kind models.Kind, includeMissing bool) ([]*models.Resource, error)
}

// Visibility filters records down to what an owner may see.
type Visibility interface {
	Filter(ctx context.Context, ownerID string, kind models.Kind, records []*models.Resource) ([]*models.Resource, error)
}

// Observations lists an owner's observation log.
type Observations interface {
	List(ctx context.Context, ownerID string, limit int) ([]*models.ObservationEntry, error)
}

// Server implements Service on top of the cloud controller and the
// reconciliation engine.
type Server struct {
	clouds       *controller.Controller
	resources    Resources
	visibility   Visibility
	observations Observations
	log          *zap.Logger
}

type Option func(*Server)

func WithVisibility(v Visibility) Option {
	return func(s *Server) { s.visibility = v }
}

func WithObservations(o Observations) Option {
	return func(s *Server) { s.observations = o }
}

func WithLogger(l *zap.Logger) Option {
	return func(s *Server) {
		if l != nil {
			s.log = l
		}
	}
}

// New creates a server instance.
func New(clouds *controller.Controller, resources Resources, opts ...Option) *Server {
	s := &Server{clouds: clouds, resources: resources, log: zap.NewNop()}
	for _, o := range opts {
		o(s)
	}
	return s
}

// RegisterGRPC registers the gRPC handlers.
func (s *Server) RegisterGRPC(gs *grpc.Server) {
	RegisterService(gs, s)
}

// ---------- gRPC handlers ----------

// Ping handler (for connectivity test)
func (s *Server) Ping(ctx context.Context, _ *emptypb.Empty) (*wrapperspb.StringValue, error) {
	return wrapperspb.String("pong from cloudsyncd"), nil
}

func (s *Server) AddCloud(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	var req AddCloudRequest
	if err := decode(in, &req); err != nil {
		return nil, err
	}
	res, err := s.clouds.Add(ctx, controller.AddCloudRequest{
		OwnerID:         req.Owner,
		Title:           req.Title,
		Provider:        req.Provider,
		Credentials:     req.Credentials,
		DNSEnabled:      req.DNSEnabled,
		PollingInterval: req.PollingInterval,
		SkipFailedProbe: req.SkipFailedProbe,
	})
	if err != nil {
		return nil, s.fail("add cloud", err)
	}
	return encode(CloudResult{Cloud: redact(res.Cloud), Errors: res.Errors})
}

func (s *Server) ListClouds(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	var req ListCloudsRequest
	if err := decode(in, &req); err != nil {
		return nil, err
	}
	clouds, err := s.clouds.List(ctx, req.Owner)
	if err != nil {
		return nil, s.fail("list clouds", err)
	}
	out := ListCloudsResponse{Clouds: make([]*models.Cloud, 0, len(clouds))}
	for _, c := range clouds {
		out.Clouds = append(out.Clouds, redact(c))
	}
	return encode(out)
}

func (s *Server) UpdateCloud(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	var req UpdateCloudRequest
	if err := decode(in, &req); err != nil {
		return nil, err
	}
	res, err := s.clouds.Update(ctx, req.CloudID, controller.UpdateCloudRequest{
		Credentials:     req.Credentials,
		SkipFailedProbe: req.SkipFailedProbe,
	})
	if err != nil {
		return nil, s.fail("update cloud", err)
	}
	return encode(CloudResult{Cloud: redact(res.Cloud), Errors: res.Errors})
}

func (s *Server) CloudAction(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	var req CloudActionRequest
	if err := decode(in, &req); err != nil {
		return nil, err
	}
	var (
		cloud *models.Cloud
		err   error
	)
	switch req.Action {
	case ActionEnable:
		cloud, err = s.clouds.Enable(ctx, req.CloudID)
	case ActionDisable:
		cloud, err = s.clouds.Disable(ctx, req.CloudID)
	case ActionRename:
		cloud, err = s.clouds.Rename(ctx, req.CloudID, req.Title)
	case ActionDelete:
		err = s.clouds.Delete(ctx, req.CloudID, req.Expire)
	case ActionSetPollingInterval:
		cloud, err = s.clouds.SetPollingInterval(ctx, req.CloudID, req.Interval)
	case ActionEnableDNS:
		cloud, err = s.clouds.EnableDNS(ctx, req.CloudID)
	case ActionDisableDNS:
		cloud, err = s.clouds.DisableDNS(ctx, req.CloudID)
	case ActionEnableObservationLogs:
		cloud, err = s.clouds.EnableObservationLogs(ctx, req.CloudID)
	case ActionDisableObservationLogs:
		cloud, err = s.clouds.DisableObservationLogs(ctx, req.CloudID)
	default:
		return nil, status.Errorf(codes.InvalidArgument, "unknown action %q", req.Action)
	}
	if err != nil {
		return nil, s.fail(req.Action, err)
	}
	return encode(CloudResult{Cloud: redact(cloud)})
}

// ListResources answers from stored records without contacting the provider.
func (s *Server) ListResources(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	req, kind, err := resourcesRequest(in)
	if err != nil {
		return nil, err
	}
	recs, err := s.resources.ListCached(ctx, req.CloudID, kind, req.IncludeMissing)
	if err != nil {
		return nil, s.fail("list resources", err)
	}
	return s.answer(ctx, req, kind, recs)
}

// Reconcile runs a pass now and answers with its result.
func (s *Server) Reconcile(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	req, kind, err := resourcesRequest(in)
	if err != nil {
		return nil, err
	}
	recs, err := s.resources.Reconcile(ctx, req.CloudID, kind, reconcile.RunOptions{Persist: true})
	if err != nil {
		return nil, s.fail("reconcile", err)
	}
	return s.answer(ctx, req, kind, recs)
}

func (s *Server) ListObservations(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	var req ObservationsRequest
	if err := decode(in, &req); err != nil {
		return nil, err
	}
	if s.observations == nil {
		return nil, status.Error(codes.Unimplemented, "observation log not configured")
	}
	entries, err := s.observations.List(ctx, req.Owner, req.Limit)
	if err != nil {
		return nil, s.fail("list observations", err)
	}
	if entries == nil {
		entries = []*models.ObservationEntry{}
	}
	return encode(ObservationsResponse{Observations: entries})
}

func resourcesRequest(in *structpb.Struct) (ResourcesRequest, models.Kind, error) {
	var req ResourcesRequest
	if err := decode(in, &req); err != nil {
		return req, "", err
	}
	if req.CloudID == "" {
		return req, "", status.Error(codes.InvalidArgument, "cloud_id required")
	}
	kind, err := models.ParseKind(req.Kind)
	if err != nil {
		return req, "", status.Error(codes.InvalidArgument, err.Error())
	}
	return req, kind, nil
}

func (s *Server) answer(ctx context.Context, req ResourcesRequest, kind models.Kind, recs []*models.Resource) (*structpb.Struct, error) {
	if req.Owner != "" && s.visibility != nil {
		var err error
		if recs, err = s.visibility.Filter(ctx, req.Owner, kind, recs); err != nil {
			return nil, s.fail("filter resources", err)
		}
	}
	if recs == nil {
		recs = []*models.Resource{}
	}
	return encode(ResourcesResponse{Resources: recs})
}

// fail logs unexpected errors and maps every error onto a status code.
func (s *Server) fail(op string, err error) error {
	code := Code(err)
	if code == codes.Internal || code == codes.Unknown {
		s.log.Error("request failed", zap.String("op", op), zap.Error(err))
	}
	return status.Error(code, fmt.Sprintf("%s: %v", op, err))
}

// Code maps domain errors onto gRPC codes.
func Code(err error) codes.Code {
	switch {
	case err == nil:
		return codes.OK
	case errors.Is(err, context.DeadlineExceeded):
		return codes.DeadlineExceeded
	case errors.Is(err, context.Canceled):
		return codes.Canceled
	case errors.Is(err, controller.ErrBadRequest), errors.Is(err, storage.ErrInvalid):
		return codes.InvalidArgument
	case errors.Is(err, controller.ErrCloudExists), errors.Is(err, storage.ErrAlreadyExists):
		return codes.AlreadyExists
	case errors.Is(err, storage.ErrNotFound):
		return codes.NotFound
	case errors.Is(err, provider.ErrUnauthorized):
		return codes.Unauthenticated
	case errors.Is(err, provider.ErrUnavailable):
		return codes.Unavailable
	case errors.Is(err, provider.ErrUnsupported):
		return codes.Unimplemented
	case errors.Is(err, reconcile.ErrCloudDisabled):
		return codes.FailedPrecondition
	case errors.Is(err, tasks.ErrAlreadyRunning):
		return codes.Aborted
	}
	return codes.Internal
}

func redact(c *models.Cloud) *models.Cloud {
	if c == nil {
		return nil
	}
	out := *c
	out.Credentials = nil
	return &out
}
