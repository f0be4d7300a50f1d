/*
Package logging builds the zap loggers used across echorpc.

Components take a *Logger and log with the sugared `Levelw(msg, kv...)`
functions. A nil *Logger is never passed around: components fall back to Nop().
*/
package logging

import (
	"fmt"

	"go.uber.org/zap"
)

// We use the convenience sugared logger `Levelw(msg, kv...)` functions.
type Logger = zap.SugaredLogger

// New returns a logger by kind: "prod", "dev" or "nop".
func New(kind string) (*Logger, error) {
	switch kind {
	case "prod":
		return NewProduction()
	case "dev":
		return NewDevelopment()
	case "nop":
		return Nop(), nil
	}
	return nil, fmt.Errorf("invalid logger %q", kind)
}

func NewProduction() (*Logger, error) {
	l, err := zap.NewProduction()
	if err != nil {
		return nil, err
	}
	return l.Sugar(), nil
}

func NewDevelopment() (*Logger, error) {
	l, err := zap.NewDevelopment()
	if err != nil {
		return nil, err
	}
	return l.Sugar(), nil
}

func Nop() *Logger {
	return zap.NewNop().Sugar()
}

// OrNop returns lg, or a no-op logger if lg is nil.
func OrNop(lg *Logger) *Logger {
	if lg == nil {
		return Nop()
	}
	return lg
}
