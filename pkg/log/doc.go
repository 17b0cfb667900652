/*
Package log provides structured logging for the hosting engine using zerolog.

It wraps zerolog with scoped child loggers (component, node, service
package, code package) so a log line can carry the identity of what emitted
it without passing a logger through every call site by hand.

# Usage

	log.Init(log.Config{Level: log.InfoLevel, JSONOutput: true, Output: os.Stdout})

	cpLog := log.WithComponent("codepackage")
	cpLog.Info().Str("code_package_id", id).Msg("activation scheduled")

	log.Logger.Error().Err(err).Msg("lrm admission rejected")

# Design

Global Logger is initialized once via Init and is safe for concurrent use.
WithComponent/WithNodeID/WithServicePackage/WithCodePackage return child
loggers carrying one extra field each; callers compose them with .With() for
more context. Debug level is for development; Info is the default production
level. Fatal logs then calls os.Exit(1) — reserved for startup failures that
leave the process unable to do anything useful.

Not every package in this repository uses a scoped logger: the activation
backends and the lrm, servicetype and messagebus packages log through the
package-level helpers (Warn, Errorf), whose lines carry no scope field.
*/
package log
