package handlerstack

import (
	"context"

	"github.com/sarchlab/iotrack/session"
)

// IO is what a layer sees of the request passing through it.
type IO struct {
	Request *Request

	// Transfer holds the data the layer works on. While a surrogate is
	// attached, Transfer.Data is the registry copy and not the caller's
	// buffer.
	Transfer *session.Transfer

	// Information is set by the layer that performs the transfer, usually
	// to the number of bytes moved.
	Information uint64
}

// Handler processes a request at one layer on its way down the stack.
type Handler interface {
	Handle(ctx context.Context, io *IO) error
}

// HandlerFunc turns a function into a Handler.
type HandlerFunc func(ctx context.Context, io *IO) error

// Handle calls f.
func (f HandlerFunc) Handle(ctx context.Context, io *IO) error {
	return f(ctx, io)
}

// PassThrough is a Handler that does nothing.
var PassThrough = HandlerFunc(func(context.Context, *IO) error { return nil })

// Layer is one node of the handler stack.
type Layer struct {
	name       string
	attributes session.NodeAttributes
	handler    Handler
}

// NewLayer creates a layer. A nil handler passes requests through.
func NewLayer(
	name string,
	attributes session.NodeAttributes,
	handler Handler,
) *Layer {
	if handler == nil {
		handler = PassThrough
	}

	return &Layer{
		name:       name,
		attributes: attributes,
		handler:    handler,
	}
}

// Name returns the name of the layer.
func (l *Layer) Name() string {
	return l.name
}

// Attributes returns the attributes of the layer.
func (l *Layer) Attributes() session.NodeAttributes {
	return l.attributes
}
