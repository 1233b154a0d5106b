// Package elm speaks the ELM327 command protocol: one ASCII command per
// exchange, answered by text ending in the '>' prompt. All traffic to the
// adapter funnels through a single Processor so that exchanges never overlap.
package elm

import (
	"context"
	"errors"
	"fmt"

	"github.com/shaunagostinho/obddash/internal/obd"
	"github.com/sirupsen/logrus"
)

var log = logrus.WithField("component", "elm")

var (
	ErrNoResponse       = errors.New("no response from adapter")
	ErrTimeout          = errors.New("adapter timed out")
	ErrNotConnected     = errors.New("adapter not connected")
	ErrProcessorStopped = errors.New("command processor stopped")
)

// Kind separates scheduled PID queries from adapter control traffic.
type Kind int

const (
	Query Kind = iota
	ControlInit
	Raw
)

func (k Kind) String() string {
	switch k {
	case Query:
		return "query"
	case ControlInit:
		return "init"
	case Raw:
		return "raw"
	default:
		return "unknown"
	}
}

// Result is what the Processor hands back for one Command.
type Result struct {
	Response string
	Err      error
}

// Command is one request for the adapter. It is consumed exactly once.
type Command struct {
	Text      string
	Kind      Kind
	Parameter obd.ParameterID

	ctx    context.Context
	result chan Result
}

func newCommand(text string, kind Kind, id obd.ParameterID) *Command {
	return &Command{
		Text:      text,
		Kind:      kind,
		Parameter: id,
		result:    make(chan Result, 1),
	}
}

// NewQuery builds the fixed Mode-01 request for a pollable parameter.
func NewQuery(id obd.ParameterID) (*Command, error) {
	p, ok := obd.Lookup(id)
	if !ok {
		return nil, fmt.Errorf("elm: %s has no PID request", id)
	}
	return newCommand(p.Request(), Query, id), nil
}

// NewControl builds an adapter setup command such as ATZ.
func NewControl(text string) *Command {
	return newCommand(text, ControlInit, obd.Initialization)
}

// NewRaw builds an ad-hoc command typed by a user.
func NewRaw(text string) *Command {
	return newCommand(text, Raw, obd.Unknown)
}

// complete delivers the outcome; later calls are dropped.
func (c *Command) complete(resp string, err error) {
	select {
	case c.result <- Result{Response: resp, Err: err}:
	default:
	}
}
