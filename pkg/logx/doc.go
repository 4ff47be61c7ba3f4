// Package logx is letterbox's logging layer over zerolog.
//
// Components get a Logger tagged with comp=<name>. The Service behind it
// owns the sinks and swaps them on config reload: a console writer for
// humans, a JSON file, and an alert sink that forwards warn+ records to
// operators through a rate-limited, non-blocking queue.
package logx
