// Package model holds the wire-level data types shared across the codec,
// transport, cluster, and dispatch packages. It has no dependency on any of
// them so each can import it without creating a cycle back to the public
// playhouse package, which re-exports the types content code needs to see.
package model

import "strconv"

// ErrorCode is the shared wire-level failure namespace used on every
// response frame and mesh reply. Zero always means success.
type ErrorCode uint16

func (c ErrorCode) Error() string {
	if name, ok := errorCodeNames[c]; ok {
		return name
	}
	return "error_code_" + strconv.Itoa(int(c))
}

func (c ErrorCode) IsSuccess() bool { return c == Success }

const (
	Success ErrorCode = 0

	ProtocolViolation ErrorCode = 100
	ConnectionClosed  ErrorCode = 101
	RequestTimeout    ErrorCode = 102
	InternalError     ErrorCode = 103

	StageNotFound      ErrorCode = 200
	StageAlreadyExists ErrorCode = 201
	InvalidStageType   ErrorCode = 202
	CreateStageFailed  ErrorCode = 203

	AuthenticationFailed ErrorCode = 300
	InvalidAccountId     ErrorCode = 301
	JoinStageRejected    ErrorCode = 302
	ActorNotFound        ErrorCode = 303

	ServiceUnavailable ErrorCode = 400
	ServerNotFound     ErrorCode = 401
)

var errorCodeNames = map[ErrorCode]string{
	Success:              "success",
	ProtocolViolation:    "protocol_violation",
	ConnectionClosed:     "connection_closed",
	RequestTimeout:       "request_timeout",
	InternalError:        "internal_error",
	StageNotFound:        "stage_not_found",
	StageAlreadyExists:   "stage_already_exists",
	InvalidStageType:     "invalid_stage_type",
	CreateStageFailed:    "create_stage_failed",
	AuthenticationFailed: "authentication_failed",
	InvalidAccountId:     "invalid_account_id",
	JoinStageRejected:    "join_stage_rejected",
	ActorNotFound:        "actor_not_found",
	ServiceUnavailable:   "service_unavailable",
	ServerNotFound:       "server_not_found",
}
