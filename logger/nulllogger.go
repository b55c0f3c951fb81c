package logger

func NewNullLogger() *Logger {
	return NewLogger(NewOutlets())
}
