package storeserver

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"

	"github.com/webroker/reelwatch/internal/signalstore"
)

// Frame types sent by the watch endpoint.
const (
	FrameDocument  = "document"
	FrameCandidate = "candidate"
	FrameError     = "error"
)

// Error codes shared by JSON error bodies and error frames.
const (
	CodeBadRequest       = "bad_request"
	CodeNotFound         = "not_found"
	CodeOfferAlreadySet  = "offer_already_set"
	CodeUnauthorized     = "unauthorized"
	CodeRateLimited      = "rate_limited"
	CodeStoreUnavailable = "store_unavailable"
	CodeInternal         = "internal_error"
)

// Frame is one server-to-client message on a watch WebSocket.
type Frame struct {
	Type     string                       `json:"type"`
	Document *signalstore.Document        `json:"document,omitempty"`
	Record   *signalstore.CandidateRecord `json:"record,omitempty"`
	Code     string                       `json:"code,omitempty"`
	Message  string                       `json:"message,omitempty"`
}

// ErrorResponse is the body of every non-2xx JSON response.
type ErrorResponse struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

type CreateSessionResponse struct {
	ID string `json:"id"`
}

// ParseFrame strictly decodes a watch frame.
func ParseFrame(data []byte) (Frame, error) {
	var f Frame
	if err := decodeStrictJSON(data, &f); err != nil {
		return Frame{}, err
	}
	switch f.Type {
	case FrameDocument:
		if f.Document == nil {
			return Frame{}, fmt.Errorf("document frame without document")
		}
	case FrameCandidate:
		if f.Record == nil {
			return Frame{}, fmt.Errorf("candidate frame without record")
		}
	case FrameError:
	default:
		return Frame{}, fmt.Errorf("unknown frame type %q", f.Type)
	}
	return f, nil
}

func decodeStrictJSON(data []byte, v any) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return err
	}
	return expectEOF(dec)
}

func expectEOF(dec *json.Decoder) error {
	if err := dec.Decode(&struct{}{}); err != io.EOF {
		return fmt.Errorf("unexpected trailing data")
	}
	return nil
}
