package transport

import (
	"context"
	"encoding/json"
	"fmt"

	"google.golang.org/grpc"
	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/types/known/structpb"
)

// The peer service is declared by hand; every method takes and returns a
// google.protobuf.Struct holding the JSON form of the Go message.
const (
	serviceName    = "swarm.Peer"
	methodExecute  = "/swarm.Peer/Execute"
	methodStore    = "/swarm.Peer/Store"
	methodFind     = "/swarm.Peer/Find"
	serviceProtoID = "swarm/peer.proto"
)

// peerServer is implemented by GRPCTransport.
type peerServer interface {
	Execute(context.Context, *structpb.Struct) (*structpb.Struct, error)
	Store(context.Context, *structpb.Struct) (*structpb.Struct, error)
	Find(context.Context, *structpb.Struct) (*structpb.Struct, error)
}

var peerServiceDesc = grpc.ServiceDesc{
	ServiceName: serviceName,
	HandlerType: (*peerServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "Execute", Handler: unaryHandler(methodExecute, peerServer.Execute)},
		{MethodName: "Store", Handler: unaryHandler(methodStore, peerServer.Store)},
		{MethodName: "Find", Handler: unaryHandler(methodFind, peerServer.Find)},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: serviceProtoID,
}

type structMethod func(peerServer, context.Context, *structpb.Struct) (*structpb.Struct, error)

// unaryHandler adapts a peerServer method to grpc's method handler signature.
func unaryHandler(fullMethod string, call structMethod) func(interface{}, context.Context, func(interface{}) error, grpc.UnaryServerInterceptor) (interface{}, error) {
	return func(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
		in := new(structpb.Struct)
		if err := dec(in); err != nil {
			return nil, err
		}
		if interceptor == nil {
			return call(srv.(peerServer), ctx, in)
		}
		info := &grpc.UnaryServerInfo{Server: srv, FullMethod: fullMethod}
		handler := func(ctx context.Context, req interface{}) (interface{}, error) {
			return call(srv.(peerServer), ctx, req.(*structpb.Struct))
		}
		return interceptor(ctx, in, info, handler)
	}
}

// encodeStruct converts a JSON-tagged Go value into a Struct.
func encodeStruct(v interface{}) (*structpb.Struct, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encode %T: %w", v, err)
	}
	s := new(structpb.Struct)
	if err := protojson.Unmarshal(raw, s); err != nil {
		return nil, fmt.Errorf("encode %T: %w", v, err)
	}
	return s, nil
}

// decodeStruct fills v from a Struct produced by encodeStruct.
func decodeStruct(s *structpb.Struct, v interface{}) error {
	raw, err := protojson.Marshal(s)
	if err != nil {
		return fmt.Errorf("decode %T: %w", v, err)
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return fmt.Errorf("decode %T: %w", v, err)
	}
	return nil
}
