// Package logx is the zerolog wrapper used across covidbot.
//
// A Service owns the sinks (console, JSON file, developer chat) and can swap
// them at runtime. Loggers derived from it with With keep following the
// current sinks.
package logx
