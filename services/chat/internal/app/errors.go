package app

import (
	"errors"

	"artifactchat/pkg/artifact"
)

var (
	ErrConversationNotFound  = errors.New("conversation not found")
	ErrConversationForbidden = errors.New("conversation forbidden")
	ErrDocumentNotFound      = artifact.ErrDocumentNotFound
	ErrDocumentForbidden     = artifact.ErrDocumentForbidden
	ErrSuggestionNotFound    = errors.New("suggestion not found")
	// ErrRateLimited means the user spent the daily message quota of their user type.
	ErrRateLimited = errors.New("message quota exceeded")
	// ErrStreamActive means the conversation already has a turn streaming.
	ErrStreamActive = errors.New("conversation has an active stream")
	ErrInvalidInput = errors.New("invalid input")
	// ErrStopUnavailable means the turn runs on another instance and the
	// delta log cannot carry a stop request to it.
	ErrStopUnavailable = errors.New("stream runs elsewhere and cannot be stopped from here")
)
