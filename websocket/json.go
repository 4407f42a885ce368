package websocket

import (
	"context"
	"encoding/json"
)

// RecvJSON receives one text message and unmarshals it into a T.
func RecvJSON[T any](ctx context.Context, ws *WebSocket) (T, error) {
	var v T
	p, err := ws.Recv(ctx, Text)
	if err != nil {
		return v, err
	}
	err = json.Unmarshal(p.Payload, &v)
	return v, err
}

// SendJSON marshals v and sends it as one text message.
func SendJSON(ctx context.Context, ws *WebSocket, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return ws.Send(ctx, Text, data)
}
