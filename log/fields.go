package log

import "go.uber.org/zap"

var (
	Any        = zap.Any
	Bool       = zap.Bool
	Duration   = zap.Duration
	Float64    = zap.Float64
	Int        = zap.Int
	Int64      = zap.Int64
	String     = zap.String
	Strings    = zap.Strings
	Time       = zap.Time
	Uint       = zap.Uint
	Uint64     = zap.Uint64
	ErrorField = zap.Error
)
