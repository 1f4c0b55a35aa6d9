package connection

import "github.com/codewiresh/hopwire/internal/protocol"

// RequestReader reads protocol requests from a transport.
type RequestReader interface {
	// ReadRequest returns (nil, nil) on a clean end of stream.
	ReadRequest() (*protocol.Request, error)
	Close() error
}

// ResponseReader reads protocol responses from a transport.
type ResponseReader interface {
	// ReadResponse returns (nil, nil) on a clean end of stream.
	ReadResponse() (*protocol.Response, error)
	Close() error
}

// Transport is a protocol.Transport that can be shut down.
type Transport interface {
	protocol.Transport
	Close() error
}
