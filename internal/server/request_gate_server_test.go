package server

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/triage-ai/palisade/services/request_gate/internal/approval"
	"github.com/triage-ai/palisade/services/request_gate/internal/auth"
	"github.com/triage-ai/palisade/services/request_gate/internal/configguard"
	"github.com/triage-ai/palisade/services/request_gate/internal/gate"
	"github.com/triage-ai/palisade/services/request_gate/internal/kv"
	"github.com/triage-ai/palisade/services/request_gate/internal/storage"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
)

const (
	agentKey    = "rgk_agent_testkey"
	operatorKey = "rgk_op_testkey"
)

type testEnv struct {
	client *Client
	store  *approval.Store
	broker *gate.Broker
}

// setupTestServer creates a real gRPC server+client for integration testing.
func setupTestServer(t *testing.T) *testEnv {
	t.Helper()
	logger, _ := zap.NewDevelopment()

	store := approval.NewStore(kv.NewMemory(), logger)
	broker := gate.NewBroker(nil, logger)
	g := gate.NewGate(store, broker, storage.NewLogWriter(logger), nil, logger, gate.Options{})
	guard, err := configguard.New(store, logger)
	if err != nil {
		t.Fatal(err)
	}

	srv := NewRequestGateServer(g, broker, store, guard, auth.NewDevAuthenticator(), logger)

	grpcServer := grpc.NewServer()
	RegisterRequestGateServiceServer(grpcServer, srv)

	lis, err := net.Listen("tcp", "localhost:0")
	if err != nil {
		t.Fatal(err)
	}
	go func() {
		_ = grpcServer.Serve(lis)
	}()

	conn, err := grpc.NewClient(
		lis.Addr().String(),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
	if err != nil {
		t.Fatal(err)
	}

	t.Cleanup(func() {
		_ = conn.Close()
		grpcServer.Stop()
	})
	return &testEnv{client: NewClient(conn), store: store, broker: broker}
}

func withKey(ctx context.Context, key string) context.Context {
	return metadata.NewOutgoingContext(ctx, metadata.Pairs("authorization", "Bearer "+key))
}

func agentCtx() context.Context    { return withKey(context.Background(), agentKey) }
func operatorCtx() context.Context { return withKey(context.Background(), operatorKey) }

func requireCode(t *testing.T, err error, want codes.Code) {
	t.Helper()
	if got := status.Code(err); got != want {
		t.Fatalf("code = %v, want %v (err: %v)", got, want, err)
	}
}

func TestServer_Unauthenticated(t *testing.T) {
	env := setupTestServer(t)
	_, err := env.client.CheckHttpRequest(context.Background(), &CheckHTTPRequestRequest{Hostname: "x.com", Port: 443})
	requireCode(t, err, codes.Unauthenticated)
}

func TestServer_AgentCannotOperate(t *testing.T) {
	env := setupTestServer(t)
	ctx := agentCtx()

	err := env.client.ResolvePending(ctx, &ResolvePendingRequest{ID: "x", Outcome: "allow_once"})
	requireCode(t, err, codes.PermissionDenied)
	_, err = env.client.AddTarget(ctx, "evil.com")
	requireCode(t, err, codes.PermissionDenied)
	_, err = env.client.UpdateSettings(ctx, &approval.SettingsUpdate{})
	requireCode(t, err, codes.PermissionDenied)
}

func TestServer_AllowListFastPath(t *testing.T) {
	env := setupTestServer(t)

	resp, err := env.client.AddTarget(operatorCtx(), "*.api.com")
	if err != nil {
		t.Fatal(err)
	}
	if !resp.Changed || len(resp.Targets) != 1 {
		t.Fatalf("AddTarget = %+v", resp)
	}

	check, err := env.client.CheckHttpRequest(agentCtx(), &CheckHTTPRequestRequest{Hostname: "v1.api.com", Port: 443})
	if err != nil {
		t.Fatal(err)
	}
	if !check.Allowed || check.Source != string(gate.SourceAllowList) {
		t.Fatalf("check = %+v", check)
	}
}

func TestServer_PromptRoundTrip(t *testing.T) {
	env := setupTestServer(t)

	watchCtx, cancel := context.WithCancel(operatorCtx())
	defer cancel()
	watcher, err := env.client.WatchPending(watchCtx, &WatchPendingRequest{IncludeExisting: true})
	if err != nil {
		t.Fatal(err)
	}

	type result struct {
		resp *CheckResponse
		err  error
	}
	done := make(chan result, 1)
	go func() {
		resp, err := env.client.CheckHttpRequest(agentCtx(), &CheckHTTPRequestRequest{
			Hostname: "new.example",
			Port:     8443,
			Preview:  "POST /login",
		})
		done <- result{resp, err}
	}()

	ev, err := watcher.Recv()
	if err != nil {
		t.Fatal(err)
	}
	if ev.Type != gate.EventRequested || ev.Request.Hostname != "new.example" || ev.Request.Preview != "POST /login" {
		t.Fatalf("unexpected event %+v", ev)
	}
	if ev.Request.ClientID == "" {
		t.Fatal("requesting client not recorded")
	}

	if err := env.client.ResolvePending(operatorCtx(), &ResolvePendingRequest{ID: ev.Request.ID, Outcome: "allow_host_port"}); err != nil {
		t.Fatal(err)
	}

	r := <-done
	if r.err != nil {
		t.Fatal(r.err)
	}
	if !r.resp.Allowed || r.resp.Outcome != string(gate.OutcomeAllowHostPort) {
		t.Fatalf("check = %+v", r.resp)
	}

	targets, err := env.client.ListTargets(operatorCtx())
	if err != nil {
		t.Fatal(err)
	}
	if len(targets.Targets) != 1 || targets.Targets[0] != "new.example:8443" {
		t.Fatalf("targets = %v", targets.Targets)
	}

	// IncludeExisting may replay the request once more before the resolution.
	for {
		next, err := watcher.Recv()
		if err != nil {
			t.Fatal(err)
		}
		if next.Type == gate.EventRequested && next.Request.ID == ev.Request.ID {
			continue
		}
		if next.Type != gate.EventResolved || next.Outcome != gate.OutcomeAllowHostPort || next.Request.ID != ev.Request.ID {
			t.Fatalf("unexpected event %+v", next)
		}
		break
	}
}

func TestServer_DenyIsNotAnError(t *testing.T) {
	env := setupTestServer(t)

	done := make(chan *CheckResponse, 1)
	go func() {
		resp, err := env.client.CheckHistoryAccess(agentCtx(), &CheckHistoryAccessRequest{Category: "http_history"})
		if err != nil {
			t.Error(err)
		}
		done <- resp
	}()

	var pending []gate.PendingRequest
	deadline := time.Now().Add(2 * time.Second)
	for len(pending) == 0 && time.Now().Before(deadline) {
		resp, err := env.client.ListPending(operatorCtx())
		if err != nil {
			t.Fatal(err)
		}
		pending = resp.Pending
		time.Sleep(5 * time.Millisecond)
	}
	if len(pending) != 1 {
		t.Fatalf("pending = %v", pending)
	}

	err := env.client.ResolvePending(operatorCtx(), &ResolvePendingRequest{ID: pending[0].ID, Outcome: "allow_host"})
	requireCode(t, err, codes.InvalidArgument)

	if err := env.client.ResolvePending(operatorCtx(), &ResolvePendingRequest{ID: pending[0].ID, Outcome: "deny"}); err != nil {
		t.Fatal(err)
	}
	resp := <-done
	if resp == nil || resp.Allowed {
		t.Fatalf("resp = %+v", resp)
	}

	err = env.client.ResolvePending(operatorCtx(), &ResolvePendingRequest{ID: pending[0].ID, Outcome: "deny"})
	requireCode(t, err, codes.NotFound)
}

func TestServer_UnknownCategoryDenied(t *testing.T) {
	env := setupTestServer(t)
	resp, err := env.client.CheckHistoryAccess(agentCtx(), &CheckHistoryAccessRequest{Category: "cookies"})
	if err != nil {
		t.Fatal(err)
	}
	if resp.Allowed {
		t.Fatalf("resp = %+v", resp)
	}
}

func TestServer_InvalidInput(t *testing.T) {
	env := setupTestServer(t)

	_, err := env.client.CheckHttpRequest(agentCtx(), &CheckHTTPRequestRequest{Hostname: "x.com", Port: 70000})
	requireCode(t, err, codes.InvalidArgument)

	_, err = env.client.AddTarget(operatorCtx(), "bad host,comma")
	requireCode(t, err, codes.InvalidArgument)

	for _, host := range []string{"benign.test,internal.corp", "*.com"} {
		resp, err := env.client.CheckHttpRequest(agentCtx(), &CheckHTTPRequestRequest{Hostname: host, Port: 443})
		if err != nil {
			t.Fatal(err)
		}
		if resp.Allowed || resp.Source != string(gate.SourceInvalid) {
			t.Fatalf("CheckHttpRequest(%q) = %+v", host, resp)
		}
	}
	if len(env.broker.Pending()) != 0 {
		t.Fatal("invalid hostnames must not be queued for the operator")
	}

	err = env.client.ResolvePending(operatorCtx(), &ResolvePendingRequest{ID: "x", Outcome: "perhaps"})
	requireCode(t, err, codes.InvalidArgument)
}

func TestServer_Settings(t *testing.T) {
	env := setupTestServer(t)
	ctx := operatorCtx()

	got, err := env.client.GetSettings(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if !got.RequireHTTPRequestApproval || !got.RequireHistoryAccessApproval {
		t.Fatalf("defaults = %+v", got)
	}

	off := false
	on := true
	got, err = env.client.UpdateSettings(ctx, &approval.SettingsUpdate{
		RequireHTTPRequestApproval: &off,
		ConfigEditingTooling:       &on,
	})
	if err != nil {
		t.Fatal(err)
	}
	if got.RequireHTTPRequestApproval || !got.ConfigEditingTooling {
		t.Fatalf("updated = %+v", got)
	}

	check, err := env.client.CheckHttpRequest(agentCtx(), &CheckHTTPRequestRequest{Hostname: "anything.test", Port: 80})
	if err != nil {
		t.Fatal(err)
	}
	if !check.Allowed || check.Source != string(gate.SourceApprovalDisabled) {
		t.Fatalf("check = %+v", check)
	}
}

func TestServer_Targets(t *testing.T) {
	env := setupTestServer(t)
	ctx := operatorCtx()

	for _, e := range []string{"a.com", "b.com:8080"} {
		if _, err := env.client.AddTarget(ctx, e); err != nil {
			t.Fatal(err)
		}
	}
	again, err := env.client.AddTarget(ctx, "a.com")
	if err != nil {
		t.Fatal(err)
	}
	if again.Changed {
		t.Fatal("duplicate add should not change the list")
	}

	removed, err := env.client.RemoveTarget(ctx, "a.com")
	if err != nil {
		t.Fatal(err)
	}
	if !removed.Changed || len(removed.Targets) != 1 || removed.Targets[0] != "b.com:8080" {
		t.Fatalf("RemoveTarget = %+v", removed)
	}

	if err := env.client.ClearTargets(ctx); err != nil {
		t.Fatal(err)
	}
	list, err := env.client.ListTargets(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(list.Targets) != 0 {
		t.Fatalf("targets = %v", list.Targets)
	}
}

func TestServer_RedactConfig(t *testing.T) {
	env := setupTestServer(t)

	resp, err := env.client.RedactConfig(agentCtx(), `{"proxy":{"password":"hunter2","port":8080}}`)
	if err != nil {
		t.Fatal(err)
	}
	if resp.JSON != `{"proxy":{"password":"*****","port":8080}}` {
		t.Fatalf("JSON = %s", resp.JSON)
	}

	_, err = env.client.RedactConfig(agentCtx(), `{"proxy":`)
	requireCode(t, err, codes.InvalidArgument)
}

func TestServer_CheckConfigImport(t *testing.T) {
	env := setupTestServer(t)

	resp, err := env.client.CheckConfigImport(agentCtx(), &CheckConfigImportRequest{Scope: "user", JSON: `{"user_options":{}}`})
	if err != nil {
		t.Fatal(err)
	}
	if resp.Allowed || resp.Message != configguard.DisabledMessage {
		t.Fatalf("resp = %+v", resp)
	}

	if err := env.store.SetConfigEditingTooling(context.Background(), true); err != nil {
		t.Fatal(err)
	}
	resp, err = env.client.CheckConfigImport(agentCtx(), &CheckConfigImportRequest{Scope: "user", JSON: `{"user_options":{}}`})
	if err != nil {
		t.Fatal(err)
	}
	if !resp.Allowed {
		t.Fatalf("resp = %+v", resp)
	}

	_, err = env.client.CheckConfigImport(agentCtx(), &CheckConfigImportRequest{Scope: "project", JSON: `{"user_options":{}}`})
	requireCode(t, err, codes.InvalidArgument)
}
