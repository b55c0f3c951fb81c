package logger

import (
	"fmt"
	"os"
	"time"
)

// The field set by WithError
const FieldError = "err"

const DefaultUserFieldCapacity = 5

const internalErrorPrefix = "github.com/quernd/quernd/logger: "

type Logger struct {
	fields  Fields
	outlets *Outlets
}

func NewLogger(outlets *Outlets) *Logger {
	return &Logger{
		fields:  make(Fields, DefaultUserFieldCapacity),
		outlets: outlets,
	}
}

func (l *Logger) log(level Level, msg string) {
	entry := Entry{level, msg, time.Now(), l.fields}
	for _, outlet := range l.outlets.Get(level) {
		if err := outlet.WriteEntry(entry); err != nil {
			fmt.Fprintf(os.Stderr, "%soutlet error: %s\n", internalErrorPrefix, err)
		}
	}
}

func (l *Logger) WithField(field string, val interface{}) *Logger {
	child := &Logger{
		fields:  make(Fields, len(l.fields)+1),
		outlets: l.outlets, // cannot be changed after logger initialized
	}
	for k, v := range l.fields {
		child.fields[k] = v
	}
	child.fields[field] = val
	return child
}

func (l *Logger) WithFields(fields Fields) *Logger {
	ret := l
	for field, value := range fields {
		ret = ret.WithField(field, value)
	}
	return ret
}

func (l *Logger) WithError(err error) *Logger {
	val := interface{}(nil)
	if err != nil {
		val = err.Error()
	}
	return l.WithField(FieldError, val)
}

func (l *Logger) Debug(msg string) { l.log(Debug, msg) }
func (l *Logger) Info(msg string)  { l.log(Info, msg) }
func (l *Logger) Warn(msg string)  { l.log(Warn, msg) }
func (l *Logger) Error(msg string) { l.log(Error, msg) }

func (l *Logger) Printf(format string, args ...interface{}) {
	l.log(Error, fmt.Sprintf(format, args...))
}
