package globals

import "github.com/hashicorp/go-hclog"

var AppLogger = hclog.New(&hclog.LoggerOptions{
	Name:  "roomchat",
	Level: hclog.LevelFromString("INFO"),
})

// SetLogLevel changes the level of the application logger, unknown levels fall back to INFO.
func SetLogLevel(level string) {
	l := hclog.LevelFromString(level)
	if l == hclog.NoLevel {
		l = hclog.Info
	}
	AppLogger.SetLevel(l)
}
