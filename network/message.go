// Package network is the peer-to-peer transport: binary message framing,
// per-peer connection handling and gossip relay. It never mutates ledger
// or mempool state; everything flows out through registered callbacks.
package network

import (
	"crypto/sha256"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
)

// Wire frame, network byte order:
//
//	magic(4) | type(4) | payload_len(4) | checksum(4) | payload
//
// checksum is the first 4 bytes of sha256(sha256(payload)).
const (
	DefaultMagic uint32 = 0x53504b31 // "SPK1"

	frameHeaderSize = 16

	// MaxPayloadBytes bounds decode allocations so a malicious length
	// prefix cannot OOM the node.
	MaxPayloadBytes = 4 << 20
)

const (
	MsgVersion uint32 = iota + 1
	MsgVerAck
	MsgInv
	MsgGetData
	MsgGetHeaders
	MsgHeaders
	MsgGetBlocks
	MsgBlock
	MsgTx
	MsgGetAddr
	MsgAddr
	MsgPing
	MsgPong
)

var msgNames = map[uint32]string{
	MsgVersion:    "version",
	MsgVerAck:     "verack",
	MsgInv:        "inv",
	MsgGetData:    "getdata",
	MsgGetHeaders: "getheaders",
	MsgHeaders:    "headers",
	MsgGetBlocks:  "getblocks",
	MsgBlock:      "block",
	MsgTx:         "tx",
	MsgGetAddr:    "getaddr",
	MsgAddr:       "addr",
	MsgPing:       "ping",
	MsgPong:       "pong",
}

func MsgName(t uint32) string {
	if n, ok := msgNames[t]; ok {
		return n
	}
	return fmt.Sprintf("unknown(%d)", t)
}

var (
	ErrBadMagic    = errors.New("bad frame magic")
	ErrBadChecksum = errors.New("payload checksum mismatch")
	ErrOversized   = errors.New("payload exceeds limit")
)

// Message is the decoded envelope. Data holds the raw decoded JSON; the
// dispatcher shapes it into a typed payload.
type Message struct {
	Type uint32 `json:"type"`
	Data any    `json:"data,omitempty"`
}

func payloadChecksum(payload []byte) [4]byte {
	h1 := sha256.Sum256(payload)
	h2 := sha256.Sum256(h1[:])
	var out [4]byte
	copy(out[:], h2[:4])
	return out
}

// WriteMessage frames msg onto w.
func WriteMessage(w io.Writer, magic uint32, msg *Message) error {
	var payload []byte
	if msg.Data != nil {
		var err error
		payload, err = json.Marshal(msg.Data)
		if err != nil {
			return err
		}
	}
	if len(payload) > MaxPayloadBytes {
		return ErrOversized
	}

	header := make([]byte, frameHeaderSize)
	binary.BigEndian.PutUint32(header[0:4], magic)
	binary.BigEndian.PutUint32(header[4:8], msg.Type)
	binary.BigEndian.PutUint32(header[8:12], uint32(len(payload)))
	chk := payloadChecksum(payload)
	copy(header[12:16], chk[:])

	if _, err := w.Write(header); err != nil {
		return err
	}
	if len(payload) > 0 {
		if _, err := w.Write(payload); err != nil {
			return err
		}
	}
	return nil
}

// ReadMessage reads one frame from r, verifying magic and checksum. A
// failed checksum is a protocol violation; callers drop the peer.
func ReadMessage(r io.Reader, magic uint32) (*Message, error) {
	header := make([]byte, frameHeaderSize)
	if _, err := io.ReadFull(r, header); err != nil {
		return nil, err
	}

	if binary.BigEndian.Uint32(header[0:4]) != magic {
		return nil, ErrBadMagic
	}
	msgType := binary.BigEndian.Uint32(header[4:8])
	length := binary.BigEndian.Uint32(header[8:12])
	if length > MaxPayloadBytes {
		return nil, ErrOversized
	}

	payload := make([]byte, length)
	if _, err := io.ReadFull(r, payload); err != nil {
		return nil, err
	}

	chk := payloadChecksum(payload)
	if !bytesEqual4(header[12:16], chk) {
		return nil, ErrBadChecksum
	}

	msg := &Message{Type: msgType}
	if length > 0 {
		if err := json.Unmarshal(payload, &msg.Data); err != nil {
			return nil, err
		}
	}
	return msg, nil
}

func bytesEqual4(a []byte, b [4]byte) bool {
	return a[0] == b[0] && a[1] == b[1] && a[2] == b[2] && a[3] == b[3]
}

// Payload bodies. All fields survive a JSON round trip as plain strings
// and numbers so mapstructure can shape them back.

type VersionPayload struct {
	Version    uint32 `json:"version" mapstructure:"version"`
	Services   uint64 `json:"services" mapstructure:"services"`
	Height     uint64 `json:"height" mapstructure:"height"`
	NodeID     string `json:"node_id" mapstructure:"node_id"`
	ListenAddr string `json:"listen_addr" mapstructure:"listen_addr"`
}

type InvPayload struct {
	Kind   string   `json:"kind" mapstructure:"kind"` // "block" | "tx"
	Hashes []string `json:"hashes" mapstructure:"hashes"`
}

type GetDataPayload struct {
	Kind string `json:"kind" mapstructure:"kind"`
	Hash string `json:"hash" mapstructure:"hash"`
}

type GetHeadersPayload struct {
	From uint64 `json:"from" mapstructure:"from"`
	Max  int    `json:"max" mapstructure:"max"`
}

type HeadersPayload struct {
	Headers []HeaderDTO `json:"headers" mapstructure:"headers"`
}

type GetBlocksPayload struct {
	From uint64 `json:"from" mapstructure:"from"`
	Max  int    `json:"max" mapstructure:"max"`
}

type BlockPayload struct {
	Block BlockDTO `json:"block" mapstructure:"block"`
}

type TxPayload struct {
	Tx TxDTO `json:"tx" mapstructure:"tx"`
}

type AddrPayload struct {
	Addrs []string `json:"addrs" mapstructure:"addrs"`
}

type PingPayload struct {
	Nonce uint64 `json:"nonce" mapstructure:"nonce"`
}

type PongPayload struct {
	Nonce uint64 `json:"nonce" mapstructure:"nonce"`
}
