package stream

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
)

const (
	methodPing     = "server.ping"
	defaultTimeout = 10 * time.Second
)

type wsRequest struct {
	ID     int64  `json:"id"`
	Method string `json:"method"`
	Params []any  `json:"params"`
}

type wsError struct {
	Code    int64  `json:"code"`
	Message string `json:"message"`
}

type wsResponse struct {
	ID     int64           `json:"id"`
	Error  *wsError        `json:"error"`
	Result json.RawMessage `json:"result"`
}

var requestID atomic.Int64

func nextRequestID() int64 {
	return requestID.Add(1)
}

func sendWSRequest(ctx context.Context, conn *websocket.Conn, method string, params ...any) (wsResponse, error) {
	if params == nil {
		params = []any{}
	}
	req := wsRequest{ID: nextRequestID(), Method: method, Params: params}
	if err := conn.WriteJSON(req); err != nil {
		return wsResponse{}, err
	}
	return waitForWSResponse(ctx, conn, req.ID)
}

// waitForWSResponse reads until the reply to reqID arrives. Data pushed
// before the reply is discarded; the caller subscribes before reading.
func waitForWSResponse(ctx context.Context, conn *websocket.Conn, reqID int64) (wsResponse, error) {
	deadline := time.Now().Add(defaultTimeout)
	if dl, ok := ctx.Deadline(); ok && dl.Before(deadline) {
		deadline = dl
	}
	_ = conn.SetReadDeadline(deadline)
	defer conn.SetReadDeadline(time.Time{})

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return wsResponse{}, err
		}
		resp, ok := parseWSResponse(data)
		if !ok || resp.ID != reqID {
			continue
		}
		if resp.Error != nil && (resp.Error.Code != 0 || resp.Error.Message != "") {
			return resp, fmt.Errorf("phemex ws error %d: %s", resp.Error.Code, resp.Error.Message)
		}
		return resp, nil
	}
}

// parseWSResponse recognizes request replies: they carry "id" and either
// "result" or "error". Pushed data frames have neither.
func parseWSResponse(data []byte) (wsResponse, bool) {
	if !bytes.Contains(data, []byte(`"result"`)) && !bytes.Contains(data, []byte(`"error"`)) {
		return wsResponse{}, false
	}
	var probe map[string]json.RawMessage
	if err := json.Unmarshal(data, &probe); err != nil {
		return wsResponse{}, false
	}
	if _, ok := probe["id"]; !ok {
		return wsResponse{}, false
	}
	_, hasResult := probe["result"]
	_, hasError := probe["error"]
	if !hasResult && !hasError {
		return wsResponse{}, false
	}
	var resp wsResponse
	if err := json.Unmarshal(data, &resp); err != nil {
		return wsResponse{}, false
	}
	return resp, true
}
