package protocol

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"

	"filerelay/models"
)

// Version is the protocol version proposed in STARTUP.
const Version uint16 = 1

// Capability flags advertised in STARTUP.
const (
	FlagDigest uint32 = 1 << iota
	FlagPull
)

// DefaultFlags are the capabilities this implementation supports.
const DefaultFlags = FlagDigest | FlagPull

// ErrShortPayload indicates a payload too small for its packet type.
var ErrShortPayload = errors.New("protocol: short payload")

// StartupPayload proposes a protocol version and capability flags.
type StartupPayload struct {
	Version uint16
	Flags   uint32
}

func (p StartupPayload) Marshal() []byte {
	buf := make([]byte, 6)
	binary.BigEndian.PutUint16(buf[0:2], p.Version)
	binary.BigEndian.PutUint32(buf[2:6], p.Flags)
	return buf
}

func UnmarshalStartup(b []byte) (StartupPayload, error) {
	if len(b) < 6 {
		return StartupPayload{}, fmt.Errorf("startup: %w", ErrShortPayload)
	}
	return StartupPayload{
		Version: binary.BigEndian.Uint16(b[0:2]),
		Flags:   binary.BigEndian.Uint32(b[2:6]),
	}, nil
}

// DataPayload carries one block and its rank.
type DataPayload struct {
	Rank  int
	Block []byte
}

func (p DataPayload) Marshal() []byte {
	buf := make([]byte, 4+len(p.Block))
	binary.BigEndian.PutUint32(buf[0:4], uint32(p.Rank))
	copy(buf[4:], p.Block)
	return buf
}

func UnmarshalData(b []byte) (DataPayload, error) {
	if len(b) < 4 {
		return DataPayload{}, fmt.Errorf("data: %w", ErrShortPayload)
	}
	return DataPayload{
		Rank:  int(binary.BigEndian.Uint32(b[0:4])),
		Block: b[4:],
	}, nil
}

// ErrorPayload carries the sender's error classification.
type ErrorPayload struct {
	Code    models.ErrorCode
	Message string
}

func (p ErrorPayload) Marshal() []byte {
	buf := make([]byte, 2+len(p.Message))
	binary.BigEndian.PutUint16(buf[0:2], uint16(p.Code))
	copy(buf[2:], p.Message)
	return buf
}

func UnmarshalError(b []byte) (ErrorPayload, error) {
	if len(b) < 2 {
		return ErrorPayload{}, fmt.Errorf("error: %w", ErrShortPayload)
	}
	return ErrorPayload{
		Code:    models.ErrorCode(binary.BigEndian.Uint16(b[0:2])),
		Message: string(b[2:]),
	}, nil
}

// Err converts the payload into a classified error.
func (p ErrorPayload) Err() error {
	return models.NewError(p.Code, "peer: %s", p.Message)
}

// StatusPayload is the body shared by VALID and ENDTRANSFER:
// [finalRank:4][statusCode:2] followed by an optional extension.
// The extension is the JSON request for a request VALID and the SHA-256
// digest for ENDTRANSFER.
type StatusPayload struct {
	Rank   int
	Status models.ErrorCode
	Extra  []byte
}

func (p StatusPayload) Marshal() []byte {
	buf := make([]byte, 6+len(p.Extra))
	binary.BigEndian.PutUint32(buf[0:4], uint32(p.Rank))
	binary.BigEndian.PutUint16(buf[4:6], uint16(p.Status))
	copy(buf[6:], p.Extra)
	return buf
}

func UnmarshalStatus(b []byte) (StatusPayload, error) {
	if len(b) < 6 {
		return StatusPayload{}, fmt.Errorf("status: %w", ErrShortPayload)
	}
	p := StatusPayload{
		Rank:   int(binary.BigEndian.Uint32(b[0:4])),
		Status: models.ErrorCode(binary.BigEndian.Uint16(b[4:6])),
	}
	if len(b) > 6 {
		p.Extra = b[6:]
	}
	return p, nil
}

// KeepAlive payload bytes. Ping and pong travel on session id 0; a credit
// travels on a session id and is followed by a 4-byte block count.
const (
	KeepAlivePing   byte = 0
	KeepAlivePong   byte = 1
	KeepAliveCredit byte = 2
)

// CreditPayload builds the session KEEPALIVE granting the sender n more DATA blocks.
func CreditPayload(n int) []byte {
	buf := make([]byte, 5)
	buf[0] = KeepAliveCredit
	binary.BigEndian.PutUint32(buf[1:5], uint32(n))
	return buf
}

// ParseCredit decodes a session KEEPALIVE. ok is false for anything other than a credit.
func ParseCredit(b []byte) (n int, ok bool, err error) {
	if len(b) == 0 || b[0] != KeepAliveCredit {
		return 0, false, nil
	}
	if len(b) < 5 {
		return 0, false, fmt.Errorf("credit: %w", ErrShortPayload)
	}
	return int(binary.BigEndian.Uint32(b[1:5])), true, nil
}

// Request describes the transfer a requester asks the requested host to run.
type Request struct {
	TransferID string      `json:"transfer_id"`
	RuleID     string      `json:"rule_id"`
	Filename   string      `json:"filename"`
	FileSize   int64       `json:"file_size"`
	FileInfo   string      `json:"file_info,omitempty"`
	BlockSize  int         `json:"block_size"`
	Mode       models.Mode `json:"mode"`
	Requester  string      `json:"requester"`
	// Window is the receive window in blocks when the requester receives. 0 disables credits.
	Window int `json:"window,omitempty"`
}

// RequestPayload builds the VALID body sent by the requester in CONNECTED.
func RequestPayload(rank int, req Request) ([]byte, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}
	return StatusPayload{Rank: rank, Status: models.CodeOK, Extra: body}.Marshal(), nil
}

// ParseRequest decodes a request VALID body.
func ParseRequest(b []byte) (int, Request, error) {
	p, err := UnmarshalStatus(b)
	if err != nil {
		return 0, Request{}, err
	}
	var req Request
	if err := json.Unmarshal(p.Extra, &req); err != nil {
		return 0, Request{}, fmt.Errorf("decode request: %w", err)
	}
	if req.TransferID == "" || req.RuleID == "" || req.Filename == "" {
		return 0, Request{}, errors.New("protocol: request missing transfer_id, rule_id or filename")
	}
	if req.Mode != models.ModeSend && req.Mode != models.ModeRecv {
		return 0, Request{}, fmt.Errorf("protocol: invalid request mode %q", req.Mode)
	}
	return p.Rank, req, nil
}

// Response is the extension of the VALID answering a request. It carries the
// file metadata known only to the requested host in pull mode.
type Response struct {
	FileSize int64  `json:"file_size"`
	FileInfo string `json:"file_info,omitempty"`
	// Window is the receive window in blocks when the requested host receives.
	Window int `json:"window,omitempty"`
}

// ResponsePayload builds the VALID body sent by the requested host in CONNECTED.
func ResponsePayload(rank int, resp Response) ([]byte, error) {
	body, err := json.Marshal(resp)
	if err != nil {
		return nil, fmt.Errorf("marshal response: %w", err)
	}
	return StatusPayload{Rank: rank, Status: models.CodeOK, Extra: body}.Marshal(), nil
}

// ParseResponse decodes the VALID body answering a request.
func ParseResponse(b []byte) (int, Response, error) {
	p, err := UnmarshalStatus(b)
	if err != nil {
		return 0, Response{}, err
	}
	var resp Response
	if len(p.Extra) > 0 {
		if err := json.Unmarshal(p.Extra, &resp); err != nil {
			return 0, Response{}, fmt.Errorf("decode response: %w", err)
		}
	}
	return p.Rank, resp, nil
}
