package exchange

import (
	"bytes"
	"context"
	"encoding/json"
	"net/url"
)

// Response is the normalized envelope of every REST call. Trading calls
// answer {code,msg,data}; public market data answers {error,id,result} and
// is folded into the same shape.
type Response struct {
	Code int64
	Msg  string
	Data json.RawMessage
}

// Value decodes Data into a generic tree. Numbers stay json.Number so
// large scaled integers are not rounded through float64.
func (r Response) Value() (any, error) {
	if len(bytes.TrimSpace(r.Data)) == 0 {
		return nil, nil
	}
	dec := json.NewDecoder(bytes.NewReader(r.Data))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err != nil {
		return nil, err
	}
	return v, nil
}

func (r Response) Decode(v any) error {
	if len(bytes.TrimSpace(r.Data)) == 0 {
		return nil
	}
	return json.Unmarshal(r.Data, v)
}

type Transport interface {
	Get(ctx context.Context, path string, params url.Values) (Response, error)
	Post(ctx context.Context, path string, params url.Values, body any) (Response, error)
	PutWithQuery(ctx context.Context, path string, params url.Values) (Response, error)
	Delete(ctx context.Context, path string, params url.Values) (Response, error)
	MarketData(ctx context.Context, path string, params url.Values) (Response, error)
}
