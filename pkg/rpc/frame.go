// Package rpc provides the JSON frame protocol spoken with the IM adapter
// over the persistent WebSocket connection.
package rpc

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// FrameType identifies the kind of frame on the wire.
type FrameType string

const (
	// Control frames from the adapter.
	FrameWelcome  FrameType = "welcome"
	FramePong     FrameType = "pong"
	FrameShutdown FrameType = "shutdown"

	// FrameMessage carries an inbound chat message.
	FrameMessage FrameType = "message"

	// FrameResult correlates with an outbound request by requestId.
	FrameResult FrameType = "result"
)

// Request types sent to the adapter.
const (
	RequestSendText         = "send_text"
	RequestSendQuoteReply   = "send_quote_reply"
	RequestGetSocialContext = "get_social_context"
	RequestPing             = "ping"
)

// Frame is the envelope for every frame in either direction.
type Frame struct {
	RequestID string          `json:"requestId,omitempty"`
	Type      FrameType       `json:"type"`
	OK        *bool           `json:"ok,omitempty"`
	Data      json.RawMessage `json:"data,omitempty"`
	Timestamp time.Time       `json:"timestamp,omitempty"`
}

// Result is a decoded result frame.
type Result struct {
	RequestID string          `json:"requestId"`
	OK        bool            `json:"ok"`
	Data      json.RawMessage `json:"data,omitempty"`
}

// NewRequest creates an outbound request frame of the given request type.
// A fresh requestId is assigned when the payload does not carry one.
func NewRequest(requestType string, payload any) (*Frame, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return &Frame{
		RequestID: uuid.New().String(),
		Type:      FrameType(requestType),
		Data:      data,
		Timestamp: time.Now().UTC(),
	}, nil
}

// NewResult creates a result frame answering the given request.
func NewResult(requestID string, ok bool, payload any) (*Frame, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return &Frame{
		RequestID: requestID,
		Type:      FrameResult,
		OK:        &ok,
		Data:      data,
		Timestamp: time.Now().UTC(),
	}, nil
}

// ParseData parses the frame payload into the given struct.
func (f *Frame) ParseData(v any) error {
	if f.Data == nil {
		return nil
	}
	return json.Unmarshal(f.Data, v)
}

// AsResult decodes the frame as a result. The ok flag defaults to false when
// the adapter omits it.
func (f *Frame) AsResult() *Result {
	r := &Result{RequestID: f.RequestID, Data: f.Data}
	if f.OK != nil {
		r.OK = *f.OK
	}
	return r
}
