/*
Package config loads the YAML configuration of the Hive server and bot
agent.

Configuration is explicit: a Config struct is built once at startup and
plumbed through constructors. There are no ambient settings singletons.
Defaults match a single-node development deployment; production deployments
override the data directory, listen address, auth tokens and sweep timings.
*/
package config
