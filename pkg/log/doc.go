/*
Package log provides structured logging for NodeNexus using zerolog.

It offers a process-global logger initialized once at startup, child-logger
constructors that attach standard correlation fields (component, host_id,
task_id), and optional rotating file output for the server log.
*/
package log
