// ABOUTME: Package stream relays generation output to the connection gateway
// ABOUTME: Ordered chunks per correlation id, one terminal envelope, explicit end marker

package stream
