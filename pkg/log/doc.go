/*
Package log provides structured logging for Hive, built on zerolog.

Init configures the global logger once at process start; components derive
child loggers with WithComponent, WithBotID or WithTaskID so every line
carries its scheduling context. Console output is the default, JSON is used
when running as a service.
*/
package log
