package server

import (
	"context"
	"errors"

	"github.com/triage-ai/palisade/services/request_gate/internal/approval"
	"github.com/triage-ai/palisade/services/request_gate/internal/auth"
	"github.com/triage-ai/palisade/services/request_gate/internal/configguard"
	"github.com/triage-ai/palisade/services/request_gate/internal/gate"
	"github.com/triage-ai/palisade/services/request_gate/internal/matcher"
	"github.com/triage-ai/palisade/services/request_gate/internal/redact"
	"go.uber.org/zap"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/emptypb"
)

// RequestGateServer implements the RequestGateService gRPC service.
type RequestGateServer struct {
	gate   *gate.Gate
	broker *gate.Broker
	store  *approval.Store
	guard  *configguard.Guard
	auth   auth.Authenticator
	logger *zap.Logger
}

// NewRequestGateServer creates a new RequestGateServer with the given dependencies.
func NewRequestGateServer(
	g *gate.Gate,
	broker *gate.Broker,
	store *approval.Store,
	guard *configguard.Guard,
	authenticator auth.Authenticator,
	logger *zap.Logger,
) *RequestGateServer {
	return &RequestGateServer{
		gate:   g,
		broker: broker,
		store:  store,
		guard:  guard,
		auth:   authenticator,
		logger: logger,
	}
}

// authorize authenticates the caller and checks its role. The returned
// context carries the client for downstream audit records.
func (s *RequestGateServer) authorize(ctx context.Context, required auth.Role) (context.Context, *auth.ClientContext, error) {
	client, err := s.auth.Authenticate(ctx)
	if err != nil {
		return nil, nil, status.Errorf(codes.Unauthenticated, "authentication failed: %v", err)
	}
	if !client.Allows(required) {
		s.logger.Warn("permission denied",
			zap.String("client_id", client.ClientID),
			zap.String("role", string(client.Role)),
			zap.String("required", string(required)),
		)
		return nil, nil, status.Errorf(codes.PermissionDenied, "%v: %s role required", auth.ErrPermissionDenied, required)
	}
	ctx = auth.WithClient(ctx, client)
	ctx = gate.WithRequester(ctx, client.ClientID)
	return ctx, client, nil
}

// CheckHttpRequest implements the RequestGateService.CheckHttpRequest RPC.
// It blocks until the gate decides, which may include waiting for an operator.
func (s *RequestGateServer) CheckHttpRequest(ctx context.Context, req *CheckHTTPRequestRequest) (*CheckResponse, error) {
	ctx, _, err := s.authorize(ctx, auth.RoleAgent)
	if err != nil {
		return nil, err
	}
	if req.Port < 1 || req.Port > 65535 {
		return nil, status.Errorf(codes.InvalidArgument, "port %d out of range", req.Port)
	}

	res := s.gate.CheckHTTPRequest(ctx, gate.Target{Hostname: req.Hostname, Port: int(req.Port)}, req.Preview)
	return toCheckResponse(res), nil
}

// CheckHistoryAccess implements the RequestGateService.CheckHistoryAccess RPC.
func (s *RequestGateServer) CheckHistoryAccess(ctx context.Context, req *CheckHistoryAccessRequest) (*CheckResponse, error) {
	ctx, _, err := s.authorize(ctx, auth.RoleAgent)
	if err != nil {
		return nil, err
	}
	res := s.gate.CheckHistoryAccess(ctx, approval.Category(req.Category))
	return toCheckResponse(res), nil
}

func toCheckResponse(r gate.Result) *CheckResponse {
	return &CheckResponse{
		Allowed: r.Allowed,
		Source:  string(r.Source),
		Outcome: string(r.Outcome),
		Message: r.Message,
	}
}

func (s *RequestGateServer) ListPending(ctx context.Context, _ *emptypb.Empty) (*ListPendingResponse, error) {
	if _, _, err := s.authorize(ctx, auth.RoleOperator); err != nil {
		return nil, err
	}
	return &ListPendingResponse{Pending: s.broker.Pending()}, nil
}

func (s *RequestGateServer) ResolvePending(ctx context.Context, req *ResolvePendingRequest) (*emptypb.Empty, error) {
	_, client, err := s.authorize(ctx, auth.RoleOperator)
	if err != nil {
		return nil, err
	}
	outcome, err := gate.ParseOutcome(req.Outcome)
	if err != nil {
		return nil, status.Error(codes.InvalidArgument, err.Error())
	}
	if err := s.broker.Resolve(req.ID, outcome, client.ClientID); err != nil {
		return nil, toStatus(err)
	}
	return &emptypb.Empty{}, nil
}

// WatchPending streams broker events until the client goes away.
func (s *RequestGateServer) WatchPending(req *WatchPendingRequest, stream WatchPendingServer) error {
	ctx, client, err := s.authorize(stream.Context(), auth.RoleOperator)
	if err != nil {
		return err
	}

	events, cancel := s.broker.Subscribe()
	defer cancel()

	s.logger.Info("console watching pending decisions", zap.String("client_id", client.ClientID))

	if req.IncludeExisting {
		for _, p := range s.broker.Pending() {
			if err := stream.Send(&gate.Event{Type: gate.EventRequested, Request: p}); err != nil {
				return err
			}
		}
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-events:
			if !ok {
				return nil
			}
			if err := stream.Send(&ev); err != nil {
				return err
			}
		}
	}
}

func (s *RequestGateServer) GetSettings(ctx context.Context, _ *emptypb.Empty) (*approval.Settings, error) {
	ctx, _, err := s.authorize(ctx, auth.RoleOperator)
	if err != nil {
		return nil, err
	}
	settings, err := s.store.Settings(ctx)
	if err != nil {
		s.logger.Error("reading settings failed, returning fail-closed defaults", zap.Error(err))
	}
	return &settings, nil
}

func (s *RequestGateServer) UpdateSettings(ctx context.Context, req *approval.SettingsUpdate) (*approval.Settings, error) {
	ctx, client, err := s.authorize(ctx, auth.RoleOperator)
	if err != nil {
		return nil, err
	}
	settings, err := s.store.Apply(ctx, *req)
	if err != nil {
		return nil, toStatus(err)
	}
	s.logger.Info("settings updated", zap.String("client_id", client.ClientID))
	return &settings, nil
}

func (s *RequestGateServer) ListTargets(ctx context.Context, _ *emptypb.Empty) (*TargetsResponse, error) {
	ctx, _, err := s.authorize(ctx, auth.RoleOperator)
	if err != nil {
		return nil, err
	}
	targets, err := s.store.ListTargets(ctx)
	if err != nil {
		return nil, toStatus(err)
	}
	return &TargetsResponse{Targets: nonNil(targets)}, nil
}

func (s *RequestGateServer) AddTarget(ctx context.Context, req *TargetRequest) (*TargetChangeResponse, error) {
	ctx, client, err := s.authorize(ctx, auth.RoleOperator)
	if err != nil {
		return nil, err
	}
	if err := matcher.ValidateEntry(req.Entry); err != nil {
		return nil, status.Error(codes.InvalidArgument, err.Error())
	}
	changed, err := s.store.AddTarget(ctx, req.Entry)
	if err != nil {
		return nil, toStatus(err)
	}
	if changed {
		s.logger.Info("auto-approve target added",
			zap.String("entry", req.Entry),
			zap.String("client_id", client.ClientID),
		)
	}
	return s.targetChange(ctx, changed)
}

func (s *RequestGateServer) RemoveTarget(ctx context.Context, req *TargetRequest) (*TargetChangeResponse, error) {
	ctx, client, err := s.authorize(ctx, auth.RoleOperator)
	if err != nil {
		return nil, err
	}
	changed, err := s.store.RemoveTarget(ctx, req.Entry)
	if err != nil {
		return nil, toStatus(err)
	}
	if changed {
		s.logger.Info("auto-approve target removed",
			zap.String("entry", req.Entry),
			zap.String("client_id", client.ClientID),
		)
	}
	return s.targetChange(ctx, changed)
}

func (s *RequestGateServer) targetChange(ctx context.Context, changed bool) (*TargetChangeResponse, error) {
	targets, err := s.store.ListTargets(ctx)
	if err != nil {
		return nil, toStatus(err)
	}
	return &TargetChangeResponse{Changed: changed, Targets: nonNil(targets)}, nil
}

func (s *RequestGateServer) ClearTargets(ctx context.Context, _ *emptypb.Empty) (*emptypb.Empty, error) {
	ctx, client, err := s.authorize(ctx, auth.RoleOperator)
	if err != nil {
		return nil, err
	}
	if err := s.store.ClearTargets(ctx); err != nil {
		return nil, toStatus(err)
	}
	s.logger.Info("auto-approve targets cleared", zap.String("client_id", client.ClientID))
	return &emptypb.Empty{}, nil
}

// RedactConfig masks credentials in an exported configuration document.
func (s *RequestGateServer) RedactConfig(ctx context.Context, req *RedactConfigRequest) (*RedactConfigResponse, error) {
	if _, _, err := s.authorize(ctx, auth.RoleAgent); err != nil {
		return nil, err
	}
	out, err := redact.Config(req.JSON)
	if err != nil {
		return nil, toStatus(err)
	}
	return &RedactConfigResponse{JSON: out}, nil
}

func (s *RequestGateServer) CheckConfigImport(ctx context.Context, req *CheckConfigImportRequest) (*CheckConfigImportResponse, error) {
	ctx, client, err := s.authorize(ctx, auth.RoleAgent)
	if err != nil {
		return nil, err
	}
	err = s.guard.CheckImport(ctx, configguard.Scope(req.Scope), req.JSON)
	if errors.Is(err, configguard.ErrEditingDisabled) {
		return &CheckConfigImportResponse{Allowed: false, Message: configguard.DisabledMessage}, nil
	}
	if err != nil {
		return nil, toStatus(err)
	}
	s.logger.Info("config import approved",
		zap.String("scope", req.Scope),
		zap.String("client_id", client.ClientID),
	)
	return &CheckConfigImportResponse{Allowed: true}, nil
}

// toStatus maps domain errors onto gRPC status codes.
func toStatus(err error) error {
	var rerr *redact.Error
	switch {
	case errors.As(err, &rerr),
		errors.Is(err, configguard.ErrInvalidDocument),
		errors.Is(err, configguard.ErrUnknownScope),
		errors.Is(err, gate.ErrOutcomeNotOffered),
		errors.Is(err, matcher.ErrInvalidEntry):
		return status.Error(codes.InvalidArgument, err.Error())
	case errors.Is(err, gate.ErrNotFound):
		return status.Error(codes.NotFound, err.Error())
	case errors.Is(err, context.Canceled):
		return status.Error(codes.Canceled, err.Error())
	case errors.Is(err, context.DeadlineExceeded):
		return status.Error(codes.DeadlineExceeded, err.Error())
	}
	return status.Error(codes.Internal, err.Error())
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
