package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"google.golang.org/genproto/googleapis/rpc/errdetails"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/protoadapt"
	"google.golang.org/protobuf/types/known/durationpb"
	"google.golang.org/protobuf/types/known/structpb"

	"wardkeep.org/internal/auth"
	"wardkeep.org/internal/obs"
	"wardkeep.org/internal/ops"
)

// GatewayService is the fully qualified gRPC service name.
const GatewayService = "wardkeep.v1.Gateway"

// Full method names, shared with internal/remote.
const (
	MethodLogin  = "/" + GatewayService + "/Login"
	MethodLogout = "/" + GatewayService + "/Logout"
	MethodInvoke = "/" + GatewayService + "/Invoke"
)

// ErrorDomain tags errdetails.ErrorInfo attached to gateway errors.
const ErrorDomain = "wardkeep.org"

// Reasons carried in errdetails.ErrorInfo so clients can rebuild the auth error.
const (
	ReasonInvalidCredentials = "INVALID_CREDENTIALS"
	ReasonRateLimited        = "RATE_LIMITED"
	ReasonSessionExpired     = "SESSION_EXPIRED"
	ReasonForbidden          = "FORBIDDEN"
	ReasonUnconfigured       = "UNCONFIGURED"
	ReasonUnknownOperation   = "UNKNOWN_OPERATION"
	ReasonInvalidInput       = "INVALID_INPUT"
	ReasonConflict           = "ALREADY_EXISTS"
)

// GatewayServer is the service implemented by GRPCServer. Every message is a
// google.protobuf.Struct so the gateway needs no generated code.
type GatewayServer interface {
	Login(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error)
	Logout(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error)
	Invoke(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error)
}

type gatewayCall func(GatewayServer, context.Context, *structpb.Struct) (*structpb.Struct, error)

type methodHandler = func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error)

func unaryHandler(fullMethod string, call gatewayCall) methodHandler {
	return func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
		in := new(structpb.Struct)
		if err := dec(in); err != nil {
			return nil, err
		}
		s := srv.(GatewayServer)
		if interceptor == nil {
			return call(s, ctx, in)
		}
		info := &grpc.UnaryServerInfo{Server: srv, FullMethod: fullMethod}
		return interceptor(ctx, in, info, func(ctx context.Context, req any) (any, error) {
			return call(s, ctx, req.(*structpb.Struct))
		})
	}
}

var gatewayDesc = grpc.ServiceDesc{
	ServiceName: GatewayService,
	HandlerType: (*GatewayServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "Login", Handler: unaryHandler(MethodLogin, GatewayServer.Login)},
		{MethodName: "Logout", Handler: unaryHandler(MethodLogout, GatewayServer.Logout)},
		{MethodName: "Invoke", Handler: unaryHandler(MethodInvoke, GatewayServer.Invoke)},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "wardkeep/v1/gateway.proto",
}

// RegisterGateway attaches srv to s.
func RegisterGateway(s grpc.ServiceRegistrar, srv GatewayServer) {
	s.RegisterService(&gatewayDesc, srv)
}

// GRPCServer exposes login, logout and guarded operations over gRPC.
type GRPCServer struct {
	authn     *auth.Authenticator
	ops       *ops.Registry
	readiness readinessChecker
	health    *health.Server
}

// NewGRPCServer creates the gateway implementation.
func NewGRPCServer(r readinessChecker, authn *auth.Authenticator, registry *ops.Registry) *GRPCServer {
	if r == nil {
		r = ReadyChecker{}
	}
	return &GRPCServer{authn: authn, ops: registry, readiness: r, health: health.NewServer()}
}

// Register attaches the gateway and the standard health service to s.
func (s *GRPCServer) Register(gs *grpc.Server) {
	RegisterGateway(gs, s)
	healthpb.RegisterHealthServer(gs, s.health)
	s.health.SetServingStatus(GatewayService, healthpb.HealthCheckResponse_SERVING)
}

// RefreshHealth runs the readiness check and publishes the result to the health service.
func (s *GRPCServer) RefreshHealth(ctx context.Context) error {
	err := s.readiness.Check(ctx)
	st := healthpb.HealthCheckResponse_SERVING
	if err != nil {
		st = healthpb.HealthCheckResponse_NOT_SERVING
	}
	s.health.SetServingStatus("", st)
	s.health.SetServingStatus(GatewayService, st)
	obs.SetReady(err == nil)
	return err
}

// Shutdown marks every service as not serving.
func (s *GRPCServer) Shutdown() { s.health.Shutdown() }

func (s *GRPCServer) Login(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	fields := in.GetFields()
	res, err := s.authn.Login(ctx, auth.Credentials{
		Identifier: fields["identifier"].GetStringValue(),
		Secret:     fields["secret"].GetStringValue(),
	})
	if err != nil {
		return nil, grpcError(err)
	}
	return structpb.NewStruct(map[string]any{
		"token":      res.Token,
		"subject_id": res.SubjectID,
		"role":       string(res.Role),
	})
}

func (s *GRPCServer) Logout(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	token := tokenFromMetadata(ctx)
	if token == "" {
		token = in.GetFields()["token"].GetStringValue()
	}
	_ = s.authn.Logout(ctx, token)
	return &structpb.Struct{}, nil
}

// Invoke expects {"operation": name, "token": string, "payload": any}. A bearer
// token in the authorization metadata takes precedence over the token field.
func (s *GRPCServer) Invoke(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	fields := in.GetFields()
	token := tokenFromMetadata(ctx)
	if token == "" {
		token = fields["token"].GetStringValue()
	}
	name := fields["operation"].GetStringValue()
	if name == "" {
		return nil, grpcError(auth.ErrInvalidInput)
	}
	var payload json.RawMessage
	if v, ok := fields["payload"]; ok && v != nil {
		raw, err := protojson.Marshal(v)
		if err != nil {
			return nil, grpcError(auth.ErrInvalidInput)
		}
		payload = raw
	}

	result, err := s.ops.Invoke(ctx, name, token, payload)
	if err != nil {
		return nil, grpcError(err)
	}
	// Results are Go values; a JSON round trip turns them into structpb-compatible maps.
	data, err := json.Marshal(result)
	if err != nil {
		return nil, grpcError(err)
	}
	var generic any
	if err := json.Unmarshal(data, &generic); err != nil {
		return nil, grpcError(err)
	}
	return structpb.NewStruct(map[string]any{"operation": name, "result": generic})
}

func tokenFromMetadata(ctx context.Context) string {
	md, ok := metadata.FromIncomingContext(ctx)
	if !ok {
		return ""
	}
	for _, v := range md.Get("authorization") {
		if token, err := extractBearerToken(v); err == nil {
			return token
		}
	}
	return ""
}

// grpcError converts an auth error into a status carrying ErrorInfo and, for
// rate limits, RetryInfo.
func grpcError(err error) error {
	f := classify(err)
	code, reason := codes.Internal, ""
	switch f.status {
	case http.StatusTooManyRequests:
		code, reason = codes.ResourceExhausted, ReasonRateLimited
	case http.StatusUnauthorized:
		code, reason = codes.Unauthenticated, ReasonSessionExpired
		if errors.Is(err, auth.ErrInvalidCredentials) {
			reason = ReasonInvalidCredentials
		}
	case http.StatusForbidden:
		code, reason = codes.PermissionDenied, ReasonForbidden
	case http.StatusNotFound:
		code, reason = codes.NotFound, ReasonUnknownOperation
	case http.StatusBadRequest:
		code, reason = codes.InvalidArgument, ReasonInvalidInput
	case http.StatusConflict:
		code, reason = codes.AlreadyExists, ReasonConflict
	case http.StatusInternalServerError:
		if errors.Is(err, auth.ErrUnconfigured) {
			reason = ReasonUnconfigured
		}
		obs.Error("rpc failed", map[string]any{"error": err.Error()})
	}

	st := status.New(code, f.message)
	if reason == "" {
		return st.Err()
	}
	details := []protoadapt.MessageV1{&errdetails.ErrorInfo{Reason: reason, Domain: ErrorDomain}}
	if code == codes.ResourceExhausted {
		details = append(details, &errdetails.RetryInfo{
			RetryDelay: durationpb.New(time.Duration(f.retryAfter) * time.Second),
		})
	}
	if withDetails, derr := st.WithDetails(details...); derr == nil {
		st = withDetails
	}
	return st.Err()
}

// LoggingInterceptor writes one rpc_complete line per unary call.
func LoggingInterceptor(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
	start := time.Now()
	resp, err := handler(ctx, req)
	fields := map[string]any{
		"method":      info.FullMethod,
		"code":        status.Code(err).String(),
		"duration_ms": float64(time.Since(start).Microseconds()) / 1000,
	}
	if md, ok := metadata.FromIncomingContext(ctx); ok {
		if ids := md.Get(strings.ToLower(requestIDHeader)); len(ids) > 0 {
			fields["request_id"] = ids[0]
		}
	}
	obs.Info("rpc_complete", fields)
	return resp, err
}
