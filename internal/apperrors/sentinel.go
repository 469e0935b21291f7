package apperrors

import stderrors "errors"

// Bridge errors
var (
	ErrNotConnected    = stderrors.New("not connected to control plane")
	ErrBridgeClosed    = stderrors.New("bridge is closed")
	ErrSendTimeout     = stderrors.New("timeout sending message")
	ErrMissingAgentID  = stderrors.New("agent ID is required")
	ErrMissingPlaneURL = stderrors.New("control plane URL is required")
)

// Provisioner errors
var (
	ErrUnknownProvider  = stderrors.New("unknown provider")
	ErrInstanceNotFound = stderrors.New("no instance provisioned for agent")
)
