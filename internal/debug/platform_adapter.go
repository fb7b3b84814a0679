package debug

import "github.com/tinyrange/hartmon/internal/platform"

// platformSink adapts a source-bound Debug handle to platform.Debug, so
// the boot core can log through this package's binary structured sink
// without internal/platform importing it back.
type platformSink struct {
	d Debug
}

// PlatformSink returns a platform.Debug backed by this package's binary
// log, under the given source name.
func PlatformSink(source string) platform.Debug {
	return &platformSink{d: WithSource(source)}
}

func (p *platformSink) Printf(lvl platform.Level, format string, args ...any) {
	switch lvl {
	case platform.LevelError:
		p.d.Errorf(format, args...)
	case platform.LevelWarn:
		p.d.Warnf(format, args...)
	case platform.LevelStatus:
		p.d.Statusf(format, args...)
	default:
		p.d.Writef(format, args...)
	}
}
