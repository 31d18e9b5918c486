package worker

import (
	"github.com/ChuLiYu/scoreload/internal/processor"
	"github.com/ChuLiYu/scoreload/pkg/types"
)

// MessageKind tags a message sent from a worker to the manager.
type MessageKind string

// Message kinds. A worker sends any number of chunk messages, then exactly
// one result or exit message, then closes its channel.
const (
	MessageChunk  MessageKind = "chunk"  // streaming progress
	MessageResult MessageKind = "result" // processing finished, successfully or not
	MessageExit   MessageKind = "exit"   // worker ended without a result
)

// Message is one worker-to-manager signal. It is a copied value; nothing
// inside is shared with the worker after it is sent.
type Message struct {
	Kind   MessageKind             `json:"kind"`
	Chunk  *types.ChunkEvent       `json:"chunk,omitempty"`
	Result *types.ProcessingResult `json:"result,omitempty"`
	Error  *types.ErrorInfo        `json:"error,omitempty"`
}

// Control is a manager-to-worker signal.
type Control string

// Controls
const (
	ControlPause  Control = "pause"  // stop emitting chunk events
	ControlResume Control = "resume" // continue emitting
)

// request is one line on a process worker's stdin: the first carries the
// task and settings, later ones carry controls.
type request struct {
	Task    *processor.Task   `json:"task,omitempty"`
	Config  *processor.Config `json:"config,omitempty"`
	Control Control           `json:"control,omitempty"`
}

func crashMessage(format string, args ...any) Message {
	return Message{
		Kind:  MessageExit,
		Error: types.InfoFromError(types.Errorf(types.CodeWorkerCrashed, "worker", format, args...)),
	}
}
