package logging

import (
	"os"

	"github.com/mattn/go-isatty"
	"github.com/pkg/errors"

	"github.com/quernd/quernd/config"
	"github.com/quernd/quernd/logger"
)

// OutletsFromConfig builds the logger outlets; with no outlets configured a
// human-formatted stderr outlet at info level is the default.
func OutletsFromConfig(in []config.LoggingOutlet) (*logger.Outlets, error) {
	outlets := logger.NewOutlets()

	if len(in) == 0 {
		outlets.Add(WriterOutlet{
			&HumanFormatter{Colorize: isatty.IsTerminal(os.Stderr.Fd())},
			os.Stderr,
		}, logger.Info)
		return outlets, nil
	}

	for i, o := range in {
		outlet, level, err := parseOutlet(&o)
		if err != nil {
			return nil, errors.Wrapf(err, "cannot parse logging outlet #%d", i)
		}
		outlets.Add(outlet, level)
	}
	return outlets, nil
}

func parseOutlet(in *config.LoggingOutlet) (logger.Outlet, logger.Level, error) {
	level := logger.Info
	if in.Level != "" {
		var err error
		level, err = logger.ParseLevel(in.Level)
		if err != nil {
			return nil, 0, err
		}
	}

	formatter, err := formatterForName(in)
	if err != nil {
		return nil, 0, err
	}

	switch in.Type {
	case "stdout":
		return WriterOutlet{formatter, os.Stdout}, level, nil
	case "stderr":
		return WriterOutlet{formatter, os.Stderr}, level, nil
	case "file":
		outlet, err := NewFileOutlet(in.Path, formatter)
		return outlet, level, err
	default:
		return nil, 0, errors.Errorf("unknown outlet type %q", in.Type)
	}
}

func formatterForName(in *config.LoggingOutlet) (EntryFormatter, error) {
	switch in.Format {
	case "", "human":
		return &HumanFormatter{Colorize: in.Color}, nil
	case "logfmt":
		return LogfmtFormatter{}, nil
	case "json":
		return JSONFormatter{}, nil
	default:
		return nil, errors.Errorf("unknown format %q", in.Format)
	}
}
