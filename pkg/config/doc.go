/*
Package config loads HostingConfig, the read-mostly configuration snapshot
handed to every component constructor at startup. It follows warren's
cmd/warren/apply.go convention of gopkg.in/yaml.v3 over a plain struct with
yaml tags, layered on top of built-in defaults rather than requiring every
field in the file.
*/
package config
