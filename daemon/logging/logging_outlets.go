package logging

import (
	"io"
	"os"
	"sync"

	"github.com/pkg/errors"

	"github.com/quernd/quernd/logger"
)

type WriterOutlet struct {
	formatter EntryFormatter
	writer    io.Writer
}

func (h WriterOutlet) WriteEntry(entry logger.Entry) error {
	bytes, err := h.formatter.Format(&entry)
	if err != nil {
		return err
	}
	if _, err := h.writer.Write(bytes); err != nil {
		return err
	}
	_, err = h.writer.Write([]byte("\n"))
	return err
}

// FileOutlet appends formatted entries to a log file. When a write fails it
// reopens the path once and retries; a file renamed away while writes to it
// still succeed keeps receiving entries.
type FileOutlet struct {
	formatter EntryFormatter
	path      string

	mtx  sync.Mutex
	file *os.File
}

func NewFileOutlet(path string, formatter EntryFormatter) (*FileOutlet, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0640)
	if err != nil {
		return nil, errors.Wrapf(err, "open log file %q", path)
	}
	return &FileOutlet{formatter: formatter, path: path, file: f}, nil
}

func (o *FileOutlet) WriteEntry(entry logger.Entry) error {
	bytes, err := o.formatter.Format(&entry)
	if err != nil {
		return err
	}

	o.mtx.Lock()
	defer o.mtx.Unlock()
	if _, err := o.file.Write(append(bytes, '\n')); err != nil {
		// the file may have been rotated away; try once to reopen
		f, oerr := os.OpenFile(o.path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0640)
		if oerr != nil {
			return err
		}
		o.file.Close()
		o.file = f
		_, err = o.file.Write(append(bytes, '\n'))
		return err
	}
	return nil
}
