// Package notify delivers operator notifications raised by the recovery
// manager when a failure escalates. Sinks implement engine.NotificationSink:
// LogSink writes to the process log, RedisSink publishes JSON on a Redis
// pub/sub channel, and MultiSink fans out to several sinks.
package notify
