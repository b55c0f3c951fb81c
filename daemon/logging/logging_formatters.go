package logging

import (
	"bytes"
	"encoding/json"
	"fmt"
	"time"

	"github.com/fatih/color"
	"github.com/go-logfmt/logfmt"
	"github.com/pkg/errors"

	"github.com/quernd/quernd/logger"
)

const (
	FieldLevel   = "level"
	FieldMessage = "msg"
	FieldTime    = "time"
)

const (
	logConnField   = "conn"
	logLoopField   = "loop"
	logServerField = "server"
)

type EntryFormatter interface {
	Format(e *logger.Entry) ([]byte, error)
}

const HumanFormatterDateFormat = time.RFC3339

var levelColors = map[logger.Level]*color.Color{
	logger.Debug: color.New(color.FgHiBlack),
	logger.Info:  color.New(color.FgGreen),
	logger.Warn:  color.New(color.FgYellow),
	logger.Error: color.New(color.FgRed),
}

// HumanFormatter prefixes well-known fields and logfmt-encodes the rest.
type HumanFormatter struct {
	NoTimestamps bool
	Colorize     bool
}

func (f *HumanFormatter) Format(e *logger.Entry) ([]byte, error) {
	var line bytes.Buffer

	if !f.NoTimestamps {
		fmt.Fprintf(&line, "%s ", e.Time.Format(HumanFormatterDateFormat))
	}
	level := fmt.Sprintf("[%s]", e.Level.Short())
	if f.Colorize {
		if c, ok := levelColors[e.Level]; ok {
			level = c.Sprint(level)
		}
	}
	line.WriteString(level)

	prefixFields := []string{logServerField, logLoopField, logConnField}
	prefixed := make(map[string]bool, len(prefixFields))
	for _, field := range prefixFields {
		val, ok := e.Fields[field].(string)
		if !ok {
			continue
		}
		fmt.Fprintf(&line, "[%s]", val)
		prefixed[field] = true
	}

	fmt.Fprint(&line, ": ")
	fmt.Fprint(&line, e.Message)

	if len(e.Fields)-len(prefixed) > 0 {
		fmt.Fprint(&line, " ")
		enc := logfmt.NewEncoder(&line)
		for field, value := range e.Fields {
			if prefixed[field] {
				continue
			}
			if err := logfmtTryEncodeKeyval(enc, field, value); err != nil {
				return nil, err
			}
		}
	}

	return line.Bytes(), nil
}

type JSONFormatter struct{}

func (f JSONFormatter) Format(e *logger.Entry) ([]byte, error) {
	data := make(logger.Fields, len(e.Fields)+3)
	for k, v := range e.Fields {
		switch v := v.(type) {
		case error:
			data[k] = v.Error()
		default:
			_, err := json.Marshal(v)
			if err != nil {
				return nil, errors.Wrapf(err, "field %q not JSON encodable", k)
			}
			data[k] = v
		}
	}
	data[FieldMessage] = e.Message
	data[FieldTime] = e.Time.Format(time.RFC3339)
	data[FieldLevel] = e.Level

	return json.Marshal(data)
}

type LogfmtFormatter struct{}

func (f LogfmtFormatter) Format(e *logger.Entry) ([]byte, error) {
	var buf bytes.Buffer
	enc := logfmt.NewEncoder(&buf)

	if err := logfmtTryEncodeKeyval(enc, FieldTime, e.Time); err != nil {
		return nil, err
	}
	if err := logfmtTryEncodeKeyval(enc, FieldLevel, e.Level); err != nil {
		return nil, err
	}
	if err := logfmtTryEncodeKeyval(enc, FieldMessage, e.Message); err != nil {
		return nil, err
	}
	for field, value := range e.Fields {
		if err := logfmtTryEncodeKeyval(enc, field, value); err != nil {
			return nil, err
		}
	}
	return buf.Bytes(), nil
}

func logfmtTryEncodeKeyval(enc *logfmt.Encoder, field, value interface{}) error {
	err := enc.EncodeKeyval(field, value)
	switch err {
	case nil:
		return nil
	case logfmt.ErrUnsupportedValueType:
		return enc.EncodeKeyval(field, fmt.Sprintf("<%T>", value))
	}
	return errors.Wrapf(err, "cannot encode field %q", field)
}
