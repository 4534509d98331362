package proto

import (
	"fmt"
)

const API_VERSION = 1

const (
	SUCCEED          = 0
	INVALID_ARGUMENT = 1
	TARGET_NOT_FOUND = 2
	NO_SNAPSHOT      = 3
	NO_INSTANCE      = 4
	INTERNAL_ERROR   = 5
)

var ErrorMessageFromCode map[uint32]string = map[uint32]string{
	SUCCEED:          "succeed.",
	INVALID_ARGUMENT: "invalid argument.",
	TARGET_NOT_FOUND: "service is not watched.",
	NO_SNAPSHOT:      "service not resolved yet.",
	NO_INSTANCE:      "no instance available.",
	INTERNAL_ERROR:   "internal error.",
}

func ErrorCodeText(code uint32) string {
	err, ok := ErrorMessageFromCode[code]
	if !ok {
		return fmt.Sprintf("unknown error (code = %v)", code)
	}
	return err
}

type HTTPMapResponse struct {
	APIVersion   uint32                 `json:"ver"`
	Data         map[string]interface{} `json:"data"`
	Code         uint32                 `json:"code"`
	ErrorMessage string                 `json:"msg"`
}

type HTTPListResponse struct {
	APIVersion   uint32        `json:"ver"`
	Data         []interface{} `json:"data"`
	Code         uint32        `json:"code"`
	ErrorMessage string        `json:"msg"`
}

// NewMapResponse builds a response envelope. Message defaults to code text.
func NewMapResponse(code uint32, data map[string]interface{}) *HTTPMapResponse {
	if data == nil {
		data = make(map[string]interface{})
	}
	return &HTTPMapResponse{
		APIVersion:   API_VERSION,
		Data:         data,
		Code:         code,
		ErrorMessage: ErrorCodeText(code),
	}
}

func NewListResponse(code uint32, data []interface{}) *HTTPListResponse {
	if data == nil {
		data = make([]interface{}, 0)
	}
	return &HTTPListResponse{
		APIVersion:   API_VERSION,
		Data:         data,
		Code:         code,
		ErrorMessage: ErrorCodeText(code),
	}
}
