// Package grpcclient talks to the face identity collaborator over gRPC.
//
// Requests and responses travel as google.protobuf.Struct values so the
// collaborator can be implemented in any language without shared stubs.
package grpcclient

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"time"

	apperrors "github.com/louisbranch/proctorvision/internal/platform/errors"
	platformgrpc "github.com/louisbranch/proctorvision/internal/platform/grpc"
	"github.com/louisbranch/proctorvision/internal/platform/timeouts"
	"github.com/louisbranch/proctorvision/internal/services/proctor/identity"
	"go.uber.org/zap"
	"google.golang.org/genproto/googleapis/rpc/errdetails"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"
)

// ServiceName is the fully-qualified collaborator service.
const ServiceName = "proctor.identity.v1.IdentityService"

// Full method names.
const (
	MethodDetectFaces  = "/" + ServiceName + "/DetectFaces"
	MethodAuthenticate = "/" + ServiceName + "/Authenticate"
	MethodDistance     = "/" + ServiceName + "/Distance"
)

// ErrorInfo reasons the collaborator attaches to failed calls.
const (
	ReasonMalformedImage = "MALFORMED_IMAGE"
	ReasonNoFace         = "NO_FACE"
)

// Client implements identity.Service over a gRPC connection.
type Client struct {
	conn    grpc.ClientConnInterface
	closer  func() error
	timeout time.Duration
}

// New wraps an existing connection. A zero timeout uses
// timeouts.IdentityCall.
func New(conn grpc.ClientConnInterface, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = timeouts.IdentityCall
	}
	return &Client{conn: conn, timeout: timeout}
}

// Dial connects to the collaborator at addr and waits for its health check.
func Dial(ctx context.Context, addr string, logger *zap.Logger, opts ...grpc.DialOption) (*Client, error) {
	conn, err := platformgrpc.Dial(ctx, addr, platformgrpc.DialConfig{
		Timeout:       timeouts.GRPCDial,
		HealthService: ServiceName,
		Logger:        logger,
		Options:       opts,
	})
	if err != nil {
		return nil, err
	}
	c := New(conn, 0)
	c.closer = conn.Close
	return c, nil
}

// Close releases the connection when the client owns it.
func (c *Client) Close() error {
	if c == nil || c.closer == nil {
		return nil
	}
	return c.closer()
}

// DetectFaces returns every face found in image.
func (c *Client) DetectFaces(ctx context.Context, image []byte) ([]identity.Face, error) {
	resp, err := c.invoke(ctx, MethodDetectFaces, map[string]any{
		"image": encodeImage(image),
	})
	if err != nil {
		return nil, err
	}
	list := resp.GetFields()["faces"].GetListValue()
	faces := make([]identity.Face, 0, len(list.GetValues()))
	for _, v := range list.GetValues() {
		fields := v.GetStructValue().GetFields()
		faces = append(faces, identity.Face{
			Box: identity.BoundingBox{
				X:      int(fields["x"].GetNumberValue()),
				Y:      int(fields["y"].GetNumberValue()),
				Width:  int(fields["width"].GetNumberValue()),
				Height: int(fields["height"].GetNumberValue()),
			},
			Confidence: fields["confidence"].GetNumberValue(),
		})
	}
	return faces, nil
}

// Authenticate matches image against the enrolled identities.
func (c *Client) Authenticate(ctx context.Context, image []byte) (identity.AuthResult, error) {
	resp, err := c.invoke(ctx, MethodAuthenticate, map[string]any{
		"image": encodeImage(image),
	})
	if err != nil {
		return identity.AuthResult{}, err
	}
	fields := resp.GetFields()
	return identity.AuthResult{
		Success:    fields["success"].GetBoolValue(),
		Confidence: fields["confidence"].GetNumberValue(),
		Subject:    fields["subject"].GetStringValue(),
	}, nil
}

// Distance compares reference and candidate; lower is more similar.
func (c *Client) Distance(ctx context.Context, reference, candidate []byte) (float64, error) {
	resp, err := c.invoke(ctx, MethodDistance, map[string]any{
		"reference": encodeImage(reference),
		"candidate": encodeImage(candidate),
	})
	if err != nil {
		return 0, err
	}
	value, ok := resp.GetFields()["distance"]
	if !ok {
		return 0, apperrors.New(apperrors.CodeTechnicalFailure, "identity distance: response has no distance")
	}
	return value.GetNumberValue(), nil
}

func (c *Client) invoke(ctx context.Context, method string, fields map[string]any) (*structpb.Struct, error) {
	if c == nil || c.conn == nil {
		return nil, apperrors.New(apperrors.CodeTechnicalFailure, "identity client is not configured")
	}
	if ctx == nil {
		ctx = context.Background()
	}
	req, err := structpb.NewStruct(fields)
	if err != nil {
		return nil, fmt.Errorf("build %s request: %w", method, err)
	}
	callCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	resp := &structpb.Struct{}
	if err := c.conn.Invoke(callCtx, method, req, resp); err != nil {
		return nil, mapError(method, err)
	}
	return resp, nil
}

func encodeImage(image []byte) string {
	return base64.StdEncoding.EncodeToString(image)
}

// mapError converts collaborator status errors into identity sentinels.
func mapError(method string, err error) error {
	st, ok := status.FromError(err)
	if !ok {
		return apperrors.Wrap(apperrors.CodeTechnicalFailure, "identity "+method, err)
	}
	for _, detail := range st.Details() {
		info, ok := detail.(*errdetails.ErrorInfo)
		if !ok {
			continue
		}
		switch info.GetReason() {
		case ReasonMalformedImage:
			return fmt.Errorf("%w: %s", identity.ErrMalformedImage, st.Message())
		case ReasonNoFace:
			return fmt.Errorf("%w: %s", identity.ErrNoFace, st.Message())
		}
	}
	if st.Code() == codes.DeadlineExceeded || errors.Is(err, context.DeadlineExceeded) {
		return apperrors.Wrap(apperrors.CodeTechnicalFailure, "identity "+method+" timed out", err)
	}
	return apperrors.Wrap(apperrors.CodeTechnicalFailure, "identity "+method, err)
}

var _ identity.Service = (*Client)(nil)
