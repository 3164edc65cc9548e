// Package logx is remindd's logging layer over zerolog.
//
// Components take a Logger by value and derive their own with
// With(Component("dispatch")). Loggers handed out by Service follow
// Service.Apply, so level, file and alert sinks change on config reload
// without rebuilding components. Warnings and errors can be forwarded to an
// operator through the delivery gateway (see AlertSender).
package logx
