// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

package grpc

import (
	"context"
	"time"

	"github.com/samber/oops"
	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"
	"google.golang.org/protobuf/types/known/wrapperspb"

	"github.com/nhdcl/identity/internal/auth"
)

// Full method names of the session service.
const (
	IntrospectMethod = "/" + ServiceName + "/Introspect"
	WhoAmIMethod     = "/" + ServiceName + "/WhoAmI"
)

// SessionServer lets peer services check session tokens without sharing the
// signing key.
type SessionServer interface {
	// Introspect validates the token in the request and returns its claims.
	Introspect(context.Context, *wrapperspb.StringValue) (*structpb.Struct, error)
	// WhoAmI returns the claims of the calling session.
	WhoAmI(context.Context, *emptypb.Empty) (*structpb.Struct, error)
}

type sessionService struct {
	tokens TokenValidator
}

var _ SessionServer = (*sessionService)(nil)

func (s *sessionService) Introspect(_ context.Context, req *wrapperspb.StringValue) (*structpb.Struct, error) {
	if req.GetValue() == "" {
		return nil, oops.Code("REQUEST_INVALID").Wrapf(auth.ErrInvalidInput, "token is required")
	}
	claims, err := s.tokens.Validate(req.GetValue())
	if err != nil {
		return nil, err
	}
	return claimsStruct(claims)
}

func (s *sessionService) WhoAmI(ctx context.Context, _ *emptypb.Empty) (*structpb.Struct, error) {
	claims, ok := auth.PrincipalFromContext(ctx)
	if !ok {
		return nil, oops.Code("AUTH_REQUIRED").Wrapf(auth.ErrUnauthorized, "authentication required")
	}
	return claimsStruct(claims)
}

func claimsStruct(c *auth.Claims) (*structpb.Struct, error) {
	roles := make([]any, 0, len(c.Roles))
	for _, r := range c.Roles {
		roles = append(roles, r)
	}
	fields := map[string]any{
		"subject": c.Identity(),
		"email":   c.Email,
		"roles":   roles,
	}
	if c.ExpiresAt != nil {
		fields["expires_at"] = c.ExpiresAt.UTC().Format(time.RFC3339)
	}
	out, err := structpb.NewStruct(fields)
	if err != nil {
		return nil, oops.Code("GRPC_ENCODE_FAILED").Wrap(err)
	}
	return out, nil
}

func introspectHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(wrapperspb.StringValue)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(SessionServer).Introspect(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: IntrospectMethod}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(SessionServer).Introspect(ctx, req.(*wrapperspb.StringValue))
	}
	return interceptor(ctx, in, info, handler)
}

func whoAmIHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(emptypb.Empty)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(SessionServer).WhoAmI(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: WhoAmIMethod}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(SessionServer).WhoAmI(ctx, req.(*emptypb.Empty))
	}
	return interceptor(ctx, in, info, handler)
}

// sessionServiceDesc is built from well-known types, so no generated code is
// needed on either side.
var sessionServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*SessionServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "Introspect", Handler: introspectHandler},
		{MethodName: "WhoAmI", Handler: whoAmIHandler},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "identity/v1/session.proto",
}

func registerSessionServer(s grpc.ServiceRegistrar, srv SessionServer) {
	s.RegisterService(&sessionServiceDesc, srv)
}
