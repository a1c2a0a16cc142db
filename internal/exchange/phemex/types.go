package phemex

import (
	"encoding/json"
	"strconv"
)

type apiEnvelope struct {
	Code int64           `json:"code"`
	Msg  string          `json:"msg"`
	Data json.RawMessage `json:"data"`
}

type marketDataEnvelope struct {
	Error  *marketDataError `json:"error"`
	ID     int64            `json:"id"`
	Result json.RawMessage  `json:"result"`
}

type marketDataError struct {
	Code    int64  `json:"code"`
	Message string `json:"message"`
}

type APIError struct {
	Code int64
	Msg  string
}

func (e APIError) Error() string {
	s := "phemex api error " + strconv.FormatInt(e.Code, 10)
	if desc, ok := errorDescriptions[e.Code]; ok {
		s += " (" + desc + ")"
	}
	if e.Msg != "" {
		s += ": " + e.Msg
	}
	return s
}

// Description returns the documented meaning of the code, if known.
func (e APIError) Description() string {
	return errorDescriptions[e.Code]
}
