// Package remote is the front-end side of the wardkeep gRPC gateway.
package remote

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"google.golang.org/genproto/googleapis/rpc/errdetails"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"

	"wardkeep.org/internal/auth"
	"wardkeep.org/internal/httpapi"
)

// Client wraps a connection to the gateway.
type Client struct {
	conn *grpc.ClientConn
	own  bool
}

// Dial creates a client with insecure transport unless opts say otherwise.
func Dial(target string, opts ...grpc.DialOption) (*Client, error) {
	if len(opts) == 0 {
		opts = append(opts, grpc.WithTransportCredentials(insecure.NewCredentials()))
	}
	conn, err := grpc.NewClient(target, opts...)
	if err != nil {
		return nil, err
	}
	return &Client{conn: conn, own: true}, nil
}

// New wraps an existing connection; Close leaves it open.
func New(conn *grpc.ClientConn) *Client { return &Client{conn: conn} }

// Close closes the underlying connection if Dial created it.
func (c *Client) Close() error {
	if c == nil || c.conn == nil || !c.own {
		return nil
	}
	return c.conn.Close()
}

// Login exchanges credentials for a session.
func (c *Client) Login(ctx context.Context, creds auth.Credentials) (auth.LoginResult, error) {
	in, err := structpb.NewStruct(map[string]any{"identifier": creds.Identifier, "secret": creds.Secret})
	if err != nil {
		return auth.LoginResult{}, err
	}
	out := new(structpb.Struct)
	if err := c.conn.Invoke(ctx, httpapi.MethodLogin, in, out); err != nil {
		return auth.LoginResult{}, mapError(err)
	}
	f := out.GetFields()
	return auth.LoginResult{
		Token:     f["token"].GetStringValue(),
		SubjectID: f["subject_id"].GetStringValue(),
		Role:      auth.Role(f["role"].GetStringValue()),
	}, nil
}

// Logout ends the session. Like the server side it never reports failure for
// unknown tokens; only transport errors are returned.
func (c *Client) Logout(ctx context.Context, token string) error {
	out := new(structpb.Struct)
	if err := c.conn.Invoke(withToken(ctx, token), httpapi.MethodLogout, &structpb.Struct{}, out); err != nil {
		return mapError(err)
	}
	return nil
}

// Invoke runs operation with payload and decodes the result into out (which may be nil).
func (c *Client) Invoke(ctx context.Context, token, operation string, payload, out any) error {
	fields := map[string]any{"operation": operation}
	if payload != nil {
		generic, err := toGeneric(payload)
		if err != nil {
			return fmt.Errorf("%w: encode payload: %v", auth.ErrInvalidInput, err)
		}
		fields["payload"] = generic
	}
	in, err := structpb.NewStruct(fields)
	if err != nil {
		return fmt.Errorf("%w: %v", auth.ErrInvalidInput, err)
	}
	resp := new(structpb.Struct)
	if err := c.conn.Invoke(withToken(ctx, token), httpapi.MethodInvoke, in, resp); err != nil {
		return mapError(err)
	}
	if out == nil {
		return nil
	}
	result, ok := resp.GetFields()["result"]
	if !ok || result == nil {
		return nil
	}
	data, err := result.MarshalJSON()
	if err != nil {
		return err
	}
	return json.Unmarshal(data, out)
}

// Guard adapts a remote operation to the same call shape as auth.Guard.
func Guard[T, R any](c *Client, operation string) func(context.Context, auth.Request[T]) (R, error) {
	return func(ctx context.Context, req auth.Request[T]) (R, error) {
		var out R
		err := c.Invoke(ctx, req.Token, operation, req.Payload, &out)
		return out, err
	}
}

func withToken(ctx context.Context, token string) context.Context {
	if token == "" {
		return ctx
	}
	return metadata.AppendToOutgoingContext(ctx, "authorization", "Bearer "+token)
}

func toGeneric(v any) (any, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var generic any
	err = json.Unmarshal(data, &generic)
	return generic, err
}

// mapError turns a gateway status back into the auth error taxonomy. Errors
// without a recognised reason are returned unchanged.
func mapError(err error) error {
	st, ok := status.FromError(err)
	if !ok {
		return err
	}
	var (
		reason string
		delay  time.Duration
	)
	for _, d := range st.Details() {
		switch v := d.(type) {
		case *errdetails.ErrorInfo:
			if v.GetDomain() == httpapi.ErrorDomain {
				reason = v.GetReason()
			}
		case *errdetails.RetryInfo:
			delay = v.GetRetryDelay().AsDuration()
		}
	}
	switch reason {
	case httpapi.ReasonInvalidCredentials:
		return auth.ErrInvalidCredentials
	case httpapi.ReasonRateLimited:
		return &auth.RateLimitError{Remaining: delay}
	case httpapi.ReasonSessionExpired:
		return auth.ErrUnauthorized
	case httpapi.ReasonForbidden:
		return auth.ErrForbidden
	case httpapi.ReasonUnconfigured:
		return auth.ErrUnconfigured
	case httpapi.ReasonUnknownOperation:
		return auth.ErrUnknownOperation
	case httpapi.ReasonInvalidInput:
		return auth.ErrInvalidInput
	case httpapi.ReasonConflict:
		return auth.ErrAlreadyExists
	}
	if st.Code() == codes.Unauthenticated {
		return errors.Join(auth.ErrUnauthorized, err)
	}
	return err
}

// WithTimeout returns a context with a default timeout for CLI use.
func WithTimeout(parent context.Context, d time.Duration) (context.Context, context.CancelFunc) {
	if d <= 0 {
		d = 10 * time.Second
	}
	return context.WithTimeout(parent, d)
}
