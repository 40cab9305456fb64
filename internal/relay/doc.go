// Package relay shuttles bytes between the local side of a tunnel, such as
// standard input and output, and the tunneled connection.
package relay
