/*
Package messagebus implements the MessageBus and HealthReporter
capabilities in-process: direct function dispatch and an in-memory health
report table, since this engine has exactly one client (the process that
embeds it) and no remaining need for a wire protocol between components.
*/
package messagebus
