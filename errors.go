package playhouse

import "github.com/ulala-x/playhouse-go/internal/model"

// ErrorCode is the shared wire-level failure namespace used on every
// response frame and mesh reply. Zero always means success.
type ErrorCode = model.ErrorCode

const (
	Success ErrorCode = model.Success

	ProtocolViolation ErrorCode = model.ProtocolViolation
	ConnectionClosed  ErrorCode = model.ConnectionClosed
	RequestTimeout    ErrorCode = model.RequestTimeout
	InternalError     ErrorCode = model.InternalError

	StageNotFound      ErrorCode = model.StageNotFound
	StageAlreadyExists ErrorCode = model.StageAlreadyExists
	InvalidStageType   ErrorCode = model.InvalidStageType
	CreateStageFailed  ErrorCode = model.CreateStageFailed

	AuthenticationFailed ErrorCode = model.AuthenticationFailed
	InvalidAccountId     ErrorCode = model.InvalidAccountId
	JoinStageRejected    ErrorCode = model.JoinStageRejected
	ActorNotFound        ErrorCode = model.ActorNotFound

	ServiceUnavailable ErrorCode = model.ServiceUnavailable
	ServerNotFound     ErrorCode = model.ServerNotFound
)
