package auth

import (
	"context"
	"errors"
	"strings"
	"testing"
)

func TestGateUnconfiguredFailsClosed(t *testing.T) {
	f := newFixture(t)
	called := false
	op := Guard(f.gate, "student.teleport", func(context.Context, struct{}) (int, error) {
		called = true
		return 1, nil
	})

	_, err := op(context.Background(), Request[struct{}]{Token: "anything"})
	var unconfigured *UnconfiguredError
	if !errors.As(err, &unconfigured) || !errors.Is(err, ErrUnconfigured) {
		t.Fatalf("expected unconfigured, got %v", err)
	}
	if unconfigured.Operation != "student.teleport" {
		t.Fatalf("unexpected operation: %s", unconfigured.Operation)
	}
	if called {
		t.Fatalf("unconfigured operation executed")
	}
	if ev := f.events.last(); ev.Topic != TopicOperationUnconfigured {
		t.Fatalf("expected unconfigured event, got %+v", ev)
	}

	nilPolicy := NewGate(nil, f.registry)
	if _, err := nilPolicy.Authorize(context.Background(), OpFacilityInfo, ""); !errors.Is(err, ErrUnconfigured) {
		t.Fatalf("nil policy must deny, got %v", err)
	}
}

func TestGatePublicOperationNeedsNoSession(t *testing.T) {
	f := newFixture(t)
	op := Guard(f.gate, OpFacilityInfo, func(ctx context.Context, _ struct{}) (string, error) {
		if _, ok := SessionFromContext(ctx); ok {
			t.Fatalf("public operation should not carry a session")
		}
		return "north hall", nil
	})
	got, err := op(context.Background(), Request[struct{}]{})
	if err != nil || got != "north hall" {
		t.Fatalf("public op = %q, %v", got, err)
	}
}

func TestGateRejectsMissingAndUnknownTokens(t *testing.T) {
	f := newFixture(t)
	for _, token := range []string{"", "forged-token"} {
		_, err := f.gate.Authorize(context.Background(), OpStudentList, token)
		if !errors.Is(err, ErrUnauthorized) {
			t.Fatalf("token %q: expected unauthorized, got %v", token, err)
		}
	}
	if ev := f.events.last(); ev.Topic != TopicAccessDenied || ev.Operation != OpStudentList {
		t.Fatalf("unexpected event: %+v", ev)
	}
}

func TestGateForbiddenNamesRequiredRoles(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	token, err := f.registry.Create(ctx, "mgr-1", RoleManager)
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	_, err = f.gate.Authorize(ctx, OpReportExport, token)
	var forbidden *ForbiddenError
	if !errors.As(err, &forbidden) {
		t.Fatalf("expected forbidden, got %v", err)
	}
	msg := err.Error()
	if !strings.Contains(msg, "supervisor") || !strings.Contains(msg, OpReportExport) {
		t.Fatalf("message should name operation and role: %q", msg)
	}
	if strings.Contains(msg, "mgr-1") || strings.Contains(msg, token) {
		t.Fatalf("message leaks caller state: %q", msg)
	}
	ev := f.events.last()
	if ev.Topic != TopicAccessDenied || ev.SubjectID != "mgr-1" || ev.Role != RoleManager {
		t.Fatalf("unexpected event: %+v", ev)
	}
}

func TestGateAttachesSessionAndToken(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	token, _ := f.registry.Create(ctx, "sup-1", RoleSupervisor)

	authCtx, err := f.gate.Authorize(ctx, OpRoomCreate, token)
	if err != nil {
		t.Fatalf("authorize: %v", err)
	}
	sess, ok := SessionFromContext(authCtx)
	if !ok || sess.SubjectID != "sup-1" || sess.Role != RoleSupervisor {
		t.Fatalf("unexpected session: %+v", sess)
	}
	if got, _ := TokenFromContext(authCtx); got != token {
		t.Fatalf("token not attached")
	}
}

type failingResolver struct{}

func (failingResolver) Resolve(context.Context, string) (Session, bool, error) {
	return Session{}, false, errors.New("store down")
}

func TestGateTreatsStoreErrorsAsUnauthorized(t *testing.T) {
	events := &recorder{}
	g := NewGate(BuiltinPolicy(), failingResolver{}, WithGateEvents(events))
	ctx := context.Background()
	authCtx, err := g.Authorize(ctx, OpStudentList, "t")
	if !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("expected ErrUnauthorized, got %v", err)
	}
	if _, ok := SessionFromContext(authCtx); ok {
		t.Fatalf("no session may be attached on failure")
	}
	if ev := events.last(); ev.Topic != TopicAccessDenied || ev.Operation != OpStudentList {
		t.Fatalf("expected access denied event, got %+v", ev)
	}
}

func TestGateReturnsOperationErrorsUnchanged(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	token, _ := f.registry.Create(ctx, "sup-1", RoleSupervisor)
	boom := errors.New("room 12 is full")

	op := Guard(f.gate, OpRoomAssign, func(context.Context, string) (bool, error) {
		return false, boom
	})
	if _, err := op(ctx, Request[string]{Token: token, Payload: "12"}); err != boom {
		t.Fatalf("expected operation error, got %v", err)
	}
}
