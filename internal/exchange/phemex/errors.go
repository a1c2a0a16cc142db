package phemex

import (
	"errors"

	"phemex-tools/internal/core"
)

const (
	apiCodeInvalidArgument   = 6001
	apiCodeMissingParameter  = 412
	apiCodeBadInput          = 30000
	apiCodeDuplicateOrderID  = 10001
	apiCodeRequestDuplicated = 19999
	apiCodeOrderNotFound     = 10002
	apiCodePendingCancel     = 10003
	apiCodePendingReplace    = 10004
	apiCodePending           = 10005
	apiCodeNoBalance         = 11001
	apiCodeInvalidSymbol     = 11027
	apiCodeTooManyRequests   = 39995
	apiCodeAccessDenied      = 39996
	apiCodeUnauthorized      = 401
)

var errorDescriptions = map[int64]string{
	apiCodeInvalidArgument:   "invalid argument",
	apiCodeMissingParameter:  "missing or malformed parameter",
	apiCodeBadInput:          "check input arguments",
	apiCodeDuplicateOrderID:  "duplicated client order id",
	apiCodeRequestDuplicated: "request is duplicated",
	apiCodeOrderNotFound:     "order not found",
	apiCodePendingCancel:     "order is pending cancel",
	apiCodePendingReplace:    "order is pending replace",
	apiCodePending:           "order is pending",
	apiCodeNoBalance:         "insufficient available balance",
	apiCodeInvalidSymbol:     "invalid symbol",
	apiCodeTooManyRequests:   "too many requests",
	apiCodeAccessDenied:      "access denied, check api key permissions and ip whitelist",
	apiCodeUnauthorized:      "unauthorized, check api key and signature",
}

var apiErrorCodeKinds = map[int64]error{
	apiCodeInvalidArgument:   core.ErrInvalidArgument,
	apiCodeMissingParameter:  core.ErrInvalidArgument,
	apiCodeBadInput:          core.ErrInvalidArgument,
	apiCodeDuplicateOrderID:  core.ErrDuplicateOrder,
	apiCodeRequestDuplicated: core.ErrDuplicateOrder,
	apiCodeOrderNotFound:     core.ErrOrderNotFound,
	apiCodeNoBalance:         core.ErrInsufficientBalance,
	apiCodeInvalidSymbol:     core.ErrInvalidSymbol,
	apiCodeTooManyRequests:   core.ErrRateLimited,
	apiCodeAccessDenied:      core.ErrUnauthorized,
	apiCodeUnauthorized:      core.ErrUnauthorized,
}

func wrapAPIError(code int64, msg string) error {
	return classifyAPIError(APIError{Code: code, Msg: msg})
}

// classifyAPIError keeps the APIError reachable with errors.As and adds
// the matching core sentinel for errors.Is.
func classifyAPIError(apiErr APIError) error {
	kind, ok := apiErrorCodeKinds[apiErr.Code]
	if !ok {
		return apiErr
	}
	return errors.Join(apiErr, kind)
}

func AsAPIError(err error) (APIError, bool) {
	if err == nil {
		return APIError{}, false
	}
	var apiErr APIError
	if !errors.As(err, &apiErr) {
		return APIError{}, false
	}
	return apiErr, true
}

func IsAPIErrorCode(err error, codes ...int64) bool {
	apiErr, ok := AsAPIError(err)
	if !ok {
		return false
	}
	for _, code := range codes {
		if apiErr.Code == code {
			return true
		}
	}
	return false
}
