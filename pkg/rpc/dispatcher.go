package rpc

import "context"

// Handler is the interface for inbound frame handlers.
type Handler interface {
	// Handle processes an inbound frame. A non-nil returned frame is sent
	// back to the adapter.
	Handle(ctx context.Context, frame *Frame) (*Frame, error)
}

// HandlerFunc is a function type that implements Handler.
type HandlerFunc func(ctx context.Context, frame *Frame) (*Frame, error)

// Handle implements the Handler interface.
func (f HandlerFunc) Handle(ctx context.Context, frame *Frame) (*Frame, error) {
	return f(ctx, frame)
}

// Dispatcher routes inbound frames to handlers by frame type.
type Dispatcher struct {
	handlers map[FrameType]Handler
}

// NewDispatcher creates a new frame dispatcher.
func NewDispatcher() *Dispatcher {
	return &Dispatcher{
		handlers: make(map[FrameType]Handler),
	}
}

// Register registers a handler for a frame type.
func (d *Dispatcher) Register(frameType FrameType, handler Handler) {
	d.handlers[frameType] = handler
}

// RegisterFunc registers a handler function for a frame type.
func (d *Dispatcher) RegisterFunc(frameType FrameType, handler HandlerFunc) {
	d.handlers[frameType] = handler
}

// Dispatch routes a frame to the appropriate handler. Unknown frame types
// return (nil, nil): the adapter protocol is forward-compatible and unknown
// frames are logged by the caller, not failed.
func (d *Dispatcher) Dispatch(ctx context.Context, frame *Frame) (*Frame, error) {
	handler, ok := d.handlers[frame.Type]
	if !ok {
		return nil, nil
	}
	return handler.Handle(ctx, frame)
}

// HasHandler returns true if a handler is registered for the frame type.
func (d *Dispatcher) HasHandler(frameType FrameType) bool {
	_, ok := d.handlers[frameType]
	return ok
}
