package signal

import (
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"strings"
	"time"

	"google.golang.org/genproto/googleapis/rpc/errdetails"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"
)

// DefaultGRPCMethod is the unary method called when none is configured.
const DefaultGRPCMethod = "/outagesignal.v1.SignalService/Query"

// GRPCSource queries an outage service over gRPC. Requests and responses are
// google.protobuf.Struct messages so no generated stubs are needed:
//
//	request:  {provider_id, zip_code}
//	response: {report_count, first_seen, last_seen, message}
type GRPCSource struct {
	name    string
	method  string
	conn    grpc.ClientConnInterface
	closer  io.Closer
	timeout time.Duration
	now     func() time.Time
}

// DialGRPCSource connects to endpoint. https:// or :443 endpoints use TLS.
func DialGRPCSource(name, endpoint, method string, timeout time.Duration) (*GRPCSource, error) {
	target := endpoint
	var opts []grpc.DialOption

	if strings.HasPrefix(endpoint, "https://") || strings.HasSuffix(endpoint, ":443") {
		opts = append(opts, grpc.WithTransportCredentials(credentials.NewTLS(&tls.Config{})))
		target = strings.TrimPrefix(target, "https://")
	} else {
		opts = append(opts, grpc.WithTransportCredentials(insecure.NewCredentials()))
		target = strings.TrimPrefix(target, "http://")
	}

	conn, err := grpc.NewClient(target, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create grpc client for %s: %w", target, err)
	}

	s := NewGRPCSource(name, conn, method, timeout)
	s.closer = conn
	return s, nil
}

// NewGRPCSource wraps an existing connection.
func NewGRPCSource(name string, conn grpc.ClientConnInterface, method string, timeout time.Duration) *GRPCSource {
	if method == "" {
		method = DefaultGRPCMethod
	}
	return &GRPCSource{
		name:    name,
		method:  method,
		conn:    conn,
		timeout: timeout,
		now:     time.Now,
	}
}

func (s *GRPCSource) Name() string { return s.name }

func (s *GRPCSource) Query(ctx context.Context, providerID, zip string) (*Report, error) {
	req, err := structpb.NewStruct(map[string]any{
		"provider_id": providerID,
		"zip_code":    zip,
	})
	if err != nil {
		return nil, &Error{Source: s.name, Kind: KindBadResponse, Err: err}
	}

	if s.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.timeout)
		defer cancel()
	}

	resp := &structpb.Struct{}
	if err := s.conn.Invoke(ctx, s.method, req, resp); err != nil {
		return s.handleError(err)
	}

	return s.decode(resp, providerID, zip)
}

func (s *GRPCSource) handleError(err error) (*Report, error) {
	st, ok := status.FromError(err)
	if !ok {
		return nil, &Error{Source: s.name, Kind: KindTransport, Err: err}
	}

	var retryAfter time.Duration
	for _, d := range st.Details() {
		if info, ok := d.(*errdetails.RetryInfo); ok && info.GetRetryDelay() != nil {
			retryAfter = info.GetRetryDelay().AsDuration()
		}
	}

	switch st.Code() {
	case codes.NotFound:
		return nil, nil
	case codes.ResourceExhausted:
		return nil, &Error{Source: s.name, Kind: KindRateLimited, RetryAfter: retryAfter, Err: err}
	case codes.PermissionDenied, codes.Unauthenticated:
		return nil, &Error{Source: s.name, Kind: KindBlocked, Err: err}
	case codes.DeadlineExceeded:
		return nil, &Error{Source: s.name, Kind: KindTimeout, Err: err}
	case codes.Unavailable:
		return nil, &Error{Source: s.name, Kind: KindTransport, RetryAfter: retryAfter, Err: err}
	default:
		return nil, &Error{Source: s.name, Kind: KindUpstream, RetryAfter: retryAfter, Err: err}
	}
}

func (s *GRPCSource) decode(resp *structpb.Struct, providerID, zip string) (*Report, error) {
	fields := resp.GetFields()

	count := int(fields["report_count"].GetNumberValue())
	if count <= 0 {
		return nil, nil
	}

	r := &Report{
		ProviderID:  fields["provider_id"].GetStringValue(),
		ZipCode:     fields["zip_code"].GetStringValue(),
		ReportCount: count,
		Message:     fields["message"].GetStringValue(),
	}

	var err error
	if r.FirstSeen, err = parseTimeField(fields["first_seen"]); err != nil {
		return nil, &Error{Source: s.name, Kind: KindBadResponse, Err: fmt.Errorf("first_seen: %w", err)}
	}
	if r.LastSeen, err = parseTimeField(fields["last_seen"]); err != nil {
		return nil, &Error{Source: s.name, Kind: KindBadResponse, Err: fmt.Errorf("last_seen: %w", err)}
	}
	return r.normalize(providerID, zip, s.now()), nil
}

func parseTimeField(v *structpb.Value) (time.Time, error) {
	raw := v.GetStringValue()
	if raw == "" {
		return time.Time{}, nil
	}
	return time.Parse(time.RFC3339, raw)
}

// Close cleans up resources.
func (s *GRPCSource) Close() error {
	if s.closer == nil {
		return nil
	}
	return s.closer.Close()
}
