// Package oauth serves the gateway's discovery documents and browser sign-in handshake.
package oauth
