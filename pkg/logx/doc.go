// Package logx is taskd's structured logging on top of zerolog.
//
// Components log through a Logger value carrying fixed fields (see Component).
// The daemon's Service owns the console and file sinks; config reloads swap its
// level and sinks in place, and every Logger derived from it follows along.
package logx
