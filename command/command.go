// Package command routes application messages carried over linenet. Every
// message is a JSON envelope naming a command and carrying its payload as a
// JSON encoded string.
package command

import (
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"sync"
)

var (
	// ErrUnknownCommand is returned by Dispatch for commands without a handler.
	ErrUnknownCommand = errors.New("unknown command")
	// ErrMalformed is returned for messages that are not a valid envelope.
	ErrMalformed = errors.New("malformed command")
)

// AppType tags envelopes produced by Encode.
const AppType = "gameapp"

// Envelope is the wire form of a command.
type Envelope struct {
	AppType string `json:"apptype,omitempty"`
	Cmd     string `json:"cmd"`
	Data    string `json:"data"`
}

// Encode builds the single-line message for cmd with payload marshalled into
// the data field. A nil payload leaves data empty.
func Encode(cmd string, payload any) (string, error) {
	env := Envelope{AppType: AppType, Cmd: cmd}

	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return "", fmt.Errorf("encode %s payload: %w", cmd, err)
		}
		env.Data = string(data)
	}

	out, err := json.Marshal(env)
	if err != nil {
		return "", fmt.Errorf("encode %s: %w", cmd, err)
	}

	return string(out), nil
}

// Encode returns the single-line form of e, tagging it with AppType when it
// has none. Data is passed through unchanged.
func (e Envelope) Encode() (string, error) {
	if e.AppType == "" {
		e.AppType = AppType
	}

	out, err := json.Marshal(e)
	if err != nil {
		return "", fmt.Errorf("encode %s: %w", e.Cmd, err)
	}

	return string(out), nil
}

// Decode parses an envelope.
//
// Returns:
//   - ErrMalformed, wrapped, if text is not JSON or has no command name
func Decode(text string) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal([]byte(text), &env); err != nil {
		return Envelope{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}

	if env.Cmd == "" {
		return Envelope{}, fmt.Errorf("%w: missing cmd", ErrMalformed)
	}

	return env, nil
}

// Bind unmarshals the payload into v.
func (e Envelope) Bind(v any) error {
	if e.Data == "" {
		return fmt.Errorf("%w: %s has no data", ErrMalformed, e.Cmd)
	}

	if err := json.Unmarshal([]byte(e.Data), v); err != nil {
		return fmt.Errorf("%w: %s data: %v", ErrMalformed, e.Cmd, err)
	}

	return nil
}

// Handler executes one command. src identifies where the message came from,
// such as a client id on the server.
type Handler[S any] func(src S, env Envelope) error

// Router maps command names to handlers. It is safe for concurrent use.
type Router[S any] struct {
	mu       sync.RWMutex
	handlers map[string]Handler[S]
}

// NewRouter creates an empty Router.
func NewRouter[S any]() *Router[S] {
	return &Router[S]{handlers: make(map[string]Handler[S])}
}

// Register binds cmd to h, replacing any previous handler.
func (r *Router[S]) Register(cmd string, h Handler[S]) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[cmd] = h
}

// Commands returns the registered command names, sorted.
func (r *Router[S]) Commands() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.handlers))
	for name := range r.handlers {
		names = append(names, name)
	}
	slices.Sort(names)

	return names
}

// Dispatch decodes text and runs the matching handler.
//
// Returns:
//   - ErrMalformed or ErrUnknownCommand, wrapped, or the handler's error
func (r *Router[S]) Dispatch(src S, text string) error {
	env, err := Decode(text)
	if err != nil {
		return err
	}

	r.mu.RLock()
	h, ok := r.handlers[env.Cmd]
	r.mu.RUnlock()

	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownCommand, env.Cmd)
	}

	return h(src, env)
}
