// Package relay forwards bytes between two streams and datagrams off a UDP
// socket, with cancellation and guaranteed release of the endpoints.
package relay
