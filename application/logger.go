package application

// Logger is the component-tagged logging port every subsystem logs
// through (spec.md §7: "exceptions in event handlers are... logged with a
// component tag").
type Logger interface {
	Printf(format string, v ...any)
	With(component string) Logger
}
