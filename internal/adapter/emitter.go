package adapter

import (
	"go.uber.org/zap"
)

// Emitter publishes events for one exchange and mirrors user-facing log
// lines into the structured logger. A nil Publisher only logs.
type Emitter struct {
	exchange Exchange
	pub      Publisher
	log      *zap.Logger
}

// NewEmitter returns an Emitter tagging every line with exchange.
func NewEmitter(exchange Exchange, pub Publisher, logger *zap.Logger) *Emitter {
	if logger == nil {
		logger = zap.NewNop()
	}
	if exchange != "" {
		logger = logger.With(zap.String("exchange", string(exchange)))
	}
	return &Emitter{exchange: exchange, pub: pub, log: logger}
}

// Logger returns the exchange-scoped structured logger.
func (e *Emitter) Logger() *zap.Logger { return e.log }

// Publish sends ev to the bus, if any.
func (e *Emitter) Publish(ev Event) {
	if e.pub != nil {
		e.pub.Publish(ev)
	}
}

// Info logs msg and publishes it at LevelInfo.
func (e *Emitter) Info(msg string, fields ...zap.Field) {
	e.log.Info(msg, fields...)
	e.Publish(LogEvent(e.exchange, LevelInfo, msg))
}

// Success logs msg at info level and publishes it at LevelSuccess.
func (e *Emitter) Success(msg string, fields ...zap.Field) {
	e.log.Info(msg, append(fields, zap.Bool("success", true))...)
	e.Publish(LogEvent(e.exchange, LevelSuccess, msg))
}

// Warn logs and publishes msg at LevelWarn.
func (e *Emitter) Warn(msg string, fields ...zap.Field) {
	e.log.Warn(msg, fields...)
	e.Publish(LogEvent(e.exchange, LevelWarn, msg))
}

// Error logs msg with err attached; the published line includes err text.
func (e *Emitter) Error(msg string, err error, fields ...zap.Field) {
	e.log.Error(msg, append(fields, zap.Error(err))...)
	text := msg
	if err != nil {
		text = msg + ": " + err.Error()
	}
	e.Publish(LogEvent(e.exchange, LevelError, text))
}
