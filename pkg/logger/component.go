package logger

import (
	"fmt"
	"strings"
)

// ComponentLogger tags every message with a component name and renders
// trailing key/value pairs as key=value.
type ComponentLogger struct {
	component string
	fields    []interface{}
}

// WithComponent returns a logger bound to the package-level default
func WithComponent(name string) *ComponentLogger {
	return &ComponentLogger{component: name}
}

// With returns a copy carrying additional key/value pairs
func (c *ComponentLogger) With(kv ...interface{}) *ComponentLogger {
	fields := make([]interface{}, 0, len(c.fields)+len(kv))
	fields = append(fields, c.fields...)
	fields = append(fields, kv...)
	return &ComponentLogger{component: c.component, fields: fields}
}

func (c *ComponentLogger) format(msg string, kv []interface{}) string {
	var b strings.Builder
	b.WriteString(c.component)
	b.WriteString(": ")
	b.WriteString(msg)

	all := append(append([]interface{}{}, c.fields...), kv...)
	for i := 0; i < len(all); i += 2 {
		b.WriteByte(' ')
		if i+1 >= len(all) {
			fmt.Fprintf(&b, "!BADKEY=%v", all[i])
			break
		}
		fmt.Fprintf(&b, "%v=%v", all[i], all[i+1])
	}
	return b.String()
}

func (c *ComponentLogger) Debug(msg string, kv ...interface{}) {
	Debug("%s", c.format(msg, kv))
}

func (c *ComponentLogger) Info(msg string, kv ...interface{}) {
	Info("%s", c.format(msg, kv))
}

func (c *ComponentLogger) Warn(msg string, kv ...interface{}) {
	Warn("%s", c.format(msg, kv))
}

func (c *ComponentLogger) Error(msg string, kv ...interface{}) {
	Error("%s", c.format(msg, kv))
}
