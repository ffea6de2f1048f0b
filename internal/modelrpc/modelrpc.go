// Package modelrpc carries model inference over gRPC using structpb payloads.
package modelrpc

import (
	"context"
	"encoding/base64"
	"fmt"
	"time"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/example/face-pipeline/internal/failure"
	"github.com/example/face-pipeline/internal/geometry"
	"github.com/example/face-pipeline/internal/imageprocessor"
	"github.com/example/face-pipeline/internal/logging"
)

const (
	serviceName = "pipeline.model.v1.Model"
	inferMethod = "/" + serviceName + "/Infer"
)

// Dial returns a ready-to-use model client.
func Dial(ctx context.Context, addr string, logger *zap.Logger, opts ...grpc.DialOption) (imageprocessor.Client, *grpc.ClientConn, error) {
	dialCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	dialOpts := append([]grpc.DialOption{
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithBlock(),
	}, opts...)
	conn, err := grpc.DialContext(dialCtx, addr, dialOpts...)
	if err != nil {
		wrapped := logging.NewOperationError("modelrpc.dial", "", err)
		logger.Error("failed to dial model server", zap.Error(wrapped), zap.String("addr", addr))
		return nil, nil, failure.Transport("dial model server", wrapped)
	}
	return &client{conn: conn, logger: logger.Named("modelrpc")}, conn, nil
}

type client struct {
	conn   *grpc.ClientConn
	logger *zap.Logger
}

func (c *client) Infer(ctx context.Context, req imageprocessor.Request) (*imageprocessor.Result, error) {
	payload, err := encodeRequest(req)
	if err != nil {
		return nil, err
	}
	reply := &structpb.Struct{}
	if err := c.conn.Invoke(ctx, inferMethod, payload, reply); err != nil {
		wrapped := logging.NewOperationError("modelrpc.infer", string(req.Task), err)
		c.logger.Error("model call failed", zap.Error(wrapped))
		switch status.Code(err) {
		case codes.Unavailable, codes.DeadlineExceeded:
			return nil, failure.Transport("model server unreachable", wrapped)
		default:
			return nil, wrapped
		}
	}
	return decodeResult(reply)
}

// inferServer is the handler type registered with the gRPC server.
type inferServer interface {
	Infer(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error)
}

type server struct {
	model  imageprocessor.Client
	logger *zap.Logger
}

// Register exposes model on srv.
func Register(srv *grpc.Server, model imageprocessor.Client, logger *zap.Logger) {
	srv.RegisterService(&serviceDesc, &server{model: model, logger: logger.Named("model_server")})
}

func (s *server) Infer(ctx context.Context, payload *structpb.Struct) (*structpb.Struct, error) {
	req, err := decodeRequest(payload)
	if err != nil {
		return nil, status.Error(codes.InvalidArgument, err.Error())
	}
	result, err := s.model.Infer(ctx, req)
	if err != nil {
		s.logger.Error("inference failed", zap.String("task", string(req.Task)), zap.Error(err))
		return nil, status.Error(codes.Internal, err.Error())
	}
	return encodeResult(result)
}

func inferHandler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(structpb.Struct)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(inferServer).Infer(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: inferMethod}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(inferServer).Infer(ctx, req.(*structpb.Struct))
	}
	return interceptor(ctx, in, info, handler)
}

var serviceDesc = grpc.ServiceDesc{
	ServiceName: serviceName,
	HandlerType: (*inferServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "Infer", Handler: inferHandler},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "pipeline/model/v1/model.proto",
}

func encodeRequest(req imageprocessor.Request) (*structpb.Struct, error) {
	return structpb.NewStruct(map[string]interface{}{
		"task":  string(req.Task),
		"image": base64.StdEncoding.EncodeToString(req.Image),
		"roi":   boxToMap(req.ROI),
	})
}

func decodeRequest(payload *structpb.Struct) (imageprocessor.Request, error) {
	fields := payload.GetFields()
	task, err := imageprocessor.ParseTask(fields["task"].GetStringValue())
	if err != nil {
		return imageprocessor.Request{}, err
	}
	image, err := base64.StdEncoding.DecodeString(fields["image"].GetStringValue())
	if err != nil {
		return imageprocessor.Request{}, fmt.Errorf("decode image: %w", err)
	}
	roi, err := boxFromValue(fields["roi"])
	if err != nil {
		return imageprocessor.Request{}, err
	}
	return imageprocessor.Request{Task: task, Image: image, ROI: roi}, nil
}

func encodeResult(result *imageprocessor.Result) (*structpb.Struct, error) {
	boxes := make([]interface{}, 0, len(result.Boxes))
	for _, box := range result.Boxes {
		boxes = append(boxes, boxToMap(box))
	}
	return structpb.NewStruct(map[string]interface{}{
		"boxes": boxes,
		"age":   result.Age,
	})
}

func decodeResult(reply *structpb.Struct) (*imageprocessor.Result, error) {
	fields := reply.GetFields()
	result := &imageprocessor.Result{Age: int(fields["age"].GetNumberValue())}
	for _, value := range fields["boxes"].GetListValue().GetValues() {
		box, err := boxFromValue(value)
		if err != nil {
			return nil, err
		}
		result.Boxes = append(result.Boxes, box)
	}
	return result, nil
}

func boxToMap(box geometry.BoundingBox) map[string]interface{} {
	return map[string]interface{}{
		"left_top":     map[string]interface{}{"x": box.LeftTop.X, "y": box.LeftTop.Y},
		"right_bottom": map[string]interface{}{"x": box.RightBottom.X, "y": box.RightBottom.Y},
	}
}

func boxFromValue(value *structpb.Value) (geometry.BoundingBox, error) {
	fields := value.GetStructValue().GetFields()
	leftTop, ok := pointFromValue(fields["left_top"])
	if !ok {
		return geometry.BoundingBox{}, fmt.Errorf("bounding box: left_top missing")
	}
	rightBottom, ok := pointFromValue(fields["right_bottom"])
	if !ok {
		return geometry.BoundingBox{}, fmt.Errorf("bounding box: right_bottom missing")
	}
	return geometry.BoundingBox{LeftTop: leftTop, RightBottom: rightBottom}, nil
}

func pointFromValue(value *structpb.Value) (geometry.Point, bool) {
	fields := value.GetStructValue().GetFields()
	x, okX := fields["x"]
	y, okY := fields["y"]
	if !okX || !okY {
		return geometry.Point{}, false
	}
	return geometry.Point{X: int(x.GetNumberValue()), Y: int(y.GetNumberValue())}, true
}
