package websocket

import "context"

// ServerSendView is a pre-encoded broadcast frame: the header is built
// once and the payload is shared by reference, so fanning one message
// out to many connections costs one encode.
//
// Server use only; client frames need a fresh mask per frame.
type ServerSendView struct {
	Head    []byte
	Payload []byte
}

// MakeView pre-encodes an unmasked frame for repeated sending.
func MakeView(op OpCode, payload []byte) ServerSendView {
	return ServerSendView{
		Head:    appendFrameHead(make([]byte, 0, 2+8), op, len(payload), false, 0),
		Payload: payload,
	}
}

// SendView writes a pre-encoded frame. Only valid on the server side.
func (ws *WebSocket) SendView(ctx context.Context, v ServerSendView) error {
	if !ws.server {
		return ErrProtocol
	}
	if err := ws.io.FullySend(ctx, v.Head); err != nil {
		return err
	}
	return ws.io.FullySend(ctx, v.Payload)
}
