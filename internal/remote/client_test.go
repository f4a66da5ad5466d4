package remote

import (
	"context"
	"errors"
	"net"
	"testing"
	"time"

	"golang.org/x/crypto/bcrypt"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/status"
	"google.golang.org/grpc/test/bufconn"

	"wardkeep.org/internal/auth"
	"wardkeep.org/internal/httpapi"
	"wardkeep.org/internal/ops"
)

type roomRequest struct {
	Room string `json:"room"`
}

type roomResult struct {
	Room     string `json:"room"`
	Assigned bool   `json:"assigned"`
	By       string `json:"by"`
}

func startGateway(t *testing.T) *Client {
	t.Helper()
	hash, err := bcrypt.GenerateFromPassword([]byte("battery staple"), bcrypt.MinCost)
	if err != nil {
		t.Fatalf("hash: %v", err)
	}
	dir := auth.NewMemoryDirectory(
		auth.Account{ID: "sup-1", Identifier: "boss@b.com", PasswordHash: string(hash), Role: auth.RoleSupervisor},
		auth.Account{ID: "mgr-1", Identifier: "a@b.com", PasswordHash: string(hash), Role: auth.RoleManager},
	)
	sessions := auth.NewRegistry(nil)
	authn := auth.NewAuthenticator(dir, auth.NewThrottle(nil, auth.WithMaxAttempts(1)), sessions)
	registry := ops.NewRegistry(auth.NewGate(auth.BuiltinPolicy(), sessions))
	if err := ops.RegisterBuiltins(registry, sessions, "North Hall", "test"); err != nil {
		t.Fatalf("builtins: %v", err)
	}
	if err := ops.Register(registry, auth.OpRoomAssign, func(ctx context.Context, req roomRequest) (roomResult, error) {
		sess, _ := auth.SessionFromContext(ctx)
		return roomResult{Room: req.Room, Assigned: true, By: sess.SubjectID}, nil
	}); err != nil {
		t.Fatalf("register: %v", err)
	}

	listener := bufconn.Listen(1 << 20)
	server := grpc.NewServer()
	httpapi.NewGRPCServer(nil, authn, registry).Register(server)
	go func() { _ = server.Serve(listener) }()

	c, err := Dial("passthrough:///bufnet",
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
			return listener.DialContext(ctx)
		}),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() {
		_ = c.Close()
		server.Stop()
	})
	return c
}

func TestRemoteRoundTrip(t *testing.T) {
	c := startGateway(t)
	ctx, cancel := WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	res, err := c.Login(ctx, auth.Credentials{Identifier: "boss@b.com", Secret: "battery staple"})
	if err != nil {
		t.Fatalf("login: %v", err)
	}
	if res.SubjectID != "sup-1" || res.Role != auth.RoleSupervisor {
		t.Fatalf("unexpected login result: %+v", res)
	}

	assign := Guard[roomRequest, roomResult](c, auth.OpRoomAssign)
	got, err := assign(ctx, auth.Request[roomRequest]{Token: res.Token, Payload: roomRequest{Room: "12"}})
	if err != nil {
		t.Fatalf("invoke: %v", err)
	}
	if got != (roomResult{Room: "12", Assigned: true, By: "sup-1"}) {
		t.Fatalf("unexpected result: %+v", got)
	}

	if err := c.Logout(ctx, res.Token); err != nil {
		t.Fatalf("logout: %v", err)
	}
	if _, err := assign(ctx, auth.Request[roomRequest]{Token: res.Token}); !errors.Is(err, auth.ErrUnauthorized) {
		t.Fatalf("expected unauthorized after logout, got %v", err)
	}
	if err := c.Logout(ctx, res.Token); err != nil {
		t.Fatalf("second logout: %v", err)
	}
}

func TestRemoteErrors(t *testing.T) {
	c := startGateway(t)
	ctx, cancel := WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	mgr, err := c.Login(ctx, auth.Credentials{Identifier: "a@b.com", Secret: "battery staple"})
	if err != nil {
		t.Fatalf("login: %v", err)
	}
	if err := c.Invoke(ctx, mgr.Token, auth.OpReportExport, nil, nil); !errors.Is(err, auth.ErrForbidden) {
		t.Fatalf("expected forbidden, got %v", err)
	}
	if err := c.Invoke(ctx, "", "canteen.menu", nil, nil); !errors.Is(err, auth.ErrUnconfigured) {
		t.Fatalf("expected unconfigured, got %v", err)
	}

	_, err = c.Login(ctx, auth.Credentials{Identifier: "boss@b.com", Secret: "wrong"})
	if !errors.Is(err, auth.ErrInvalidCredentials) {
		t.Fatalf("expected invalid credentials, got %v", err)
	}
	_, err = c.Login(ctx, auth.Credentials{Identifier: "boss@b.com", Secret: "battery staple"})
	retry, ok := auth.RetryAfter(err)
	if !errors.Is(err, auth.ErrRateLimited) || !ok || retry != auth.DefaultBlockDuration {
		t.Fatalf("expected rate limit with delay, got %v (%v)", err, retry)
	}
}

func TestMapErrorPassesThroughUnknownStatus(t *testing.T) {
	t.Parallel()

	plain := status.Error(codes.Unavailable, "connection refused")
	if got := mapError(plain); got != plain {
		t.Fatalf("mapError() = %v, want passthrough", got)
	}
	bare := status.Error(codes.Unauthenticated, "expired")
	if got := mapError(bare); !errors.Is(got, auth.ErrUnauthorized) {
		t.Fatalf("bare unauthenticated should map to ErrUnauthorized, got %v", got)
	}
	other := errors.New("boom")
	if got := mapError(other); got != other {
		t.Fatalf("non-status errors pass through")
	}
}
