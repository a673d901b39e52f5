// Package gobsock pairs the seqpacket transport with a gob codec. One
// encoder and decoder live as long as the connection so gob type
// information is sent once.
package gobsock

import (
	"bytes"
	"encoding/gob"
	"fmt"

	"github.com/ccock/sandboxed-api/pkg/unixsocket"
)

// Socket sends and receives gob-encoded messages, one per datagram.
// Sends and receives are each single-caller; the two directions may be
// used concurrently.
type Socket struct {
	*unixsocket.Socket

	recvBuf  []byte
	recvBuff bytes.Buffer
	decoder  *gob.Decoder

	sendBuff bytes.Buffer
	encoder  *gob.Encoder
}

// New wraps s with a gob codec. bufferSize bounds one encoded message
// and must fit the largest datagram the protocol produces.
func New(s *unixsocket.Socket, bufferSize int) *Socket {
	soc := Socket{
		Socket:  s,
		recvBuf: make([]byte, bufferSize),
	}
	soc.decoder = gob.NewDecoder(&soc.recvBuff)
	soc.encoder = gob.NewEncoder(&soc.sendBuff)
	return &soc
}

func (s *Socket) RecvMsg(e any) (unixsocket.Msg, error) {
	n, msg, err := s.Socket.RecvMsg(s.recvBuf)
	if err != nil {
		return msg, fmt.Errorf("recv: %w", err)
	}
	s.recvBuff.Reset()
	s.recvBuff.Write(s.recvBuf[:n])

	if err := s.decoder.Decode(e); err != nil {
		return msg, fmt.Errorf("recv: decode: %w", err)
	}
	return msg, nil
}

func (s *Socket) SendMsg(e any, msg unixsocket.Msg) error {
	s.sendBuff.Reset()
	if err := s.encoder.Encode(e); err != nil {
		return fmt.Errorf("send: encode: %w", err)
	}
	if err := s.Socket.SendMsg(s.sendBuff.Bytes(), msg); err != nil {
		return fmt.Errorf("send: %w", err)
	}
	return nil
}
